package models

func ModelsToAutoMigrate() []interface{} {
	return []interface{}{
		&Source{}, // Must be first - other tables reference it
		&Document{},
		&ContentBlob{},
		&EmbeddingQueueItem{},
		&BatchJob{},
		&Embedding{},
		&SyncRun{},
		&SyncRunError{},
		&DocumentEventOutbox{},
	}
}
