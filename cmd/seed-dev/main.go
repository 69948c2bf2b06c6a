// seed-dev creates a local development user (username: devowner) with a
// starting balance, a cat named Mochi and a small inventory, so interactions
// can be enqueued against a fresh database.
//
// Usage (from backend directory):
//   DB_USER=... DB_PASSWORD=... DB_HOST=... DB_PORT=... DB_NAME=... go run ./cmd/seed-dev
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/pawdot/petpal_backend/config"
	"github.com/pawdot/petpal_backend/models"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

const (
	devUsername = "devowner"
	devEmail    = "devowner@example.com"
	devCatName  = "Mochi"
)

func main() {
	ctx := context.Background()
	config.ConnectDatabaseWithRetry()
	db := config.GetDB()
	if db == nil {
		fmt.Fprintln(os.Stderr, "database not initialized (config.GetDB returned nil). Set DB_* env vars.")
		os.Exit(1)
	}

	models.MigrateTable()

	var user models.User
	err := db.WithContext(ctx).Where("username = ?", devUsername).First(&user).Error
	if err == gorm.ErrRecordNotFound {
		user = models.User{
			Username: devUsername,
			Email:    devEmail,
			Balance:  decimal.NewFromInt(1000),
		}
		if err := db.WithContext(ctx).Create(&user).Error; err != nil {
			fmt.Fprintf(os.Stderr, "failed to create user: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("created user %s (id=%d, balance=%s)\n", user.Username, user.ID, user.Balance)
	} else if err != nil {
		fmt.Fprintf(os.Stderr, "failed to lookup user: %v\n", err)
		os.Exit(1)
	} else {
		fmt.Printf("user %s already exists (id=%d)\n", user.Username, user.ID)
	}

	var cat models.Cat
	err = db.WithContext(ctx).Where("owner_id = ? AND name = ?", user.ID, devCatName).First(&cat).Error
	if err == gorm.ErrRecordNotFound {
		cat = models.Cat{
			OwnerId:   user.ID,
			Name:      devCatName,
			Hunger:    50,
			Happiness: 50,
			Energy:    50,
			Mood:      "content",
		}
		if err := db.WithContext(ctx).Create(&cat).Error; err != nil {
			fmt.Fprintf(os.Stderr, "failed to create cat: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("created cat %s (id=%d)\n", cat.Name, cat.ID)
	} else if err != nil {
		fmt.Fprintf(os.Stderr, "failed to lookup cat: %v\n", err)
		os.Exit(1)
	} else {
		fmt.Printf("cat %s already exists (id=%d)\n", cat.Name, cat.ID)
	}

	items := map[string]int{
		"tuna-can":      5,
		"feather-wand":  2,
		"catnip-pouch":  3,
		"velvet-pillow": 1,
	}
	for itemId, qty := range items {
		var owned models.UserItem
		err := db.WithContext(ctx).Where("user_id = ? AND item_id = ?", user.ID, itemId).First(&owned).Error
		if err == gorm.ErrRecordNotFound {
			if err := db.WithContext(ctx).Create(&models.UserItem{
				UserId:   user.ID,
				ItemId:   itemId,
				Quantity: qty,
			}).Error; err != nil {
				fmt.Fprintf(os.Stderr, "failed to create item %s: %v\n", itemId, err)
				os.Exit(1)
			}
			fmt.Printf("granted %dx %s\n", qty, itemId)
		} else if err != nil {
			fmt.Fprintf(os.Stderr, "failed to lookup item %s: %v\n", itemId, err)
			os.Exit(1)
		}
	}

	fmt.Println("seed-dev done")
}
