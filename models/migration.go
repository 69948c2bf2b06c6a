package models

import (
	"log"

	"github.com/pawdot/petpal_backend/config"
)

func MigrateTable() {
	db := config.GetDB()

	err := db.AutoMigrate(
		&User{}, &UserItem{}, &TransactionRecord{},
		&Cat{}, &CatMemory{}, &CatThought{}, &CatActivity{},
		&Interaction{}, &InteractionErrorLog{},
		&QueueJob{}, &JobSchedule{},
		&SocialMention{}, &SocialFeedCursor{},
	)
	if err != nil {
		log.Fatal(err)
	}
}
