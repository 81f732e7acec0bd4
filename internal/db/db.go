package db

import (
	"log"

	"gorm.io/driver/mysql"
	"gorm.io/gorm"

	"github.com/daveri-app/assistant/internal/chat"
	"github.com/daveri-app/assistant/internal/models"
	"github.com/daveri-app/assistant/internal/usage"
)

func Connect(dsn string) *gorm.DB {
	gdb, err := gorm.Open(mysql.Open(dsn), &gorm.Config{})
	if err != nil {
		log.Fatalf("db connect: %v", err)
	}

	if err := gdb.AutoMigrate(
		&models.User{},
		&models.Bot{},
		&chat.Conversation{},
		&chat.Message{},
		&usage.Counter{},
		&usage.Rollup{},
	); err != nil {
		log.Fatalf("db migrate: %v", err)
	}
	return gdb
}
