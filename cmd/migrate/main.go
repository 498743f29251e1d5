package main

import (
	"fmt"
	"log"
	"os"

	"carrymate/internal/config"
	"carrymate/internal/models"

	"github.com/spf13/viper"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func main() {
	viper.AddConfigPath(".")
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AutomaticEnv()
	_ = viper.ReadInConfig()

	cfg := config.GetDefaultConfig()
	if viper.ConfigFileUsed() != "" {
		cfg = config.Load()
	}

	dsn := os.Getenv("DB_DSN")
	if dsn == "" {
		dsn = buildDSN(cfg)
	}

	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Info),
	})
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}

	log.Println("Starting database migration...")

	if err := db.AutoMigrate(models.All()...); err != nil {
		log.Fatalf("Failed to migrate database: %v", err)
	}

	log.Println("Database migration completed successfully!")

	log.Println("Creating additional indexes...")

	// 消息按会话时间线读取
	db.Exec("CREATE INDEX IF NOT EXISTS idx_messages_session_created ON messages(session_id, created_at)")

	// 会话检索：顾客开放会话查找与客服活跃列表
	db.Exec("CREATE INDEX IF NOT EXISTS idx_chat_sessions_customer_status ON chat_sessions(customer_id, status)")
	db.Exec("CREATE INDEX IF NOT EXISTS idx_chat_sessions_agent_status ON chat_sessions(agent_id, status)")

	// 排队排序
	db.Exec("CREATE INDEX IF NOT EXISTS idx_queue_entries_priority_queued ON queue_entries(priority, queued_at)")

	// 行程检索
	db.Exec("CREATE INDEX IF NOT EXISTS idx_trips_route_departure ON trips(from_country, to_country, departure_date)")

	// 钱包流水幂等查询
	db.Exec("CREATE INDEX IF NOT EXISTS idx_token_ledgers_user_reference ON token_ledgers(user_id, reference)")

	log.Println("Additional indexes created successfully!")

	if len(os.Args) > 1 && os.Args[1] == "--seed" {
		log.Println("Seeding default data...")
		seedDefaultData(db)
		log.Println("Default data seeded successfully!")
	}

	log.Println("Migration process completed!")
}

func buildDSN(cfg *config.Config) string {
	return fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%d sslmode=disable TimeZone=UTC",
		cfg.Database.Host, cfg.Database.User, cfg.Database.Password, cfg.Database.Name, cfg.Database.Port)
}

func seedDefaultData(db *gorm.DB) {
	// 默认管理员
	var adminUser models.User
	if err := db.Where("username = ?", "admin").First(&adminUser).Error; err != nil {
		adminUser = models.User{
			Username: "admin",
			Email:    "admin@carrymate.io",
			Name:     "Administrator",
			Role:     "admin",
		}
		db.Create(&adminUser)
		log.Println("Created default admin user")
	}

	// 测试顾客，附带初始令牌
	var testCustomer models.User
	if err := db.Where("username = ?", "test_customer").First(&testCustomer).Error; err != nil {
		testCustomer = models.User{
			Username: "test_customer",
			Email:    "customer@test.com",
			Name:     "Test Customer",
			Role:     "customer",
		}
		db.Create(&testCustomer)
		db.Create(&models.TokenLedger{
			UserID:    testCustomer.ID,
			Delta:     5,
			Reason:    "adjustment",
			Reference: "seed:test_customer",
		})
		log.Println("Created test customer")
	}

	// 测试客服
	var testAgent models.User
	if err := db.Where("username = ?", "test_agent").First(&testAgent).Error; err != nil {
		testAgent = models.User{
			Username: "test_agent",
			Email:    "agent@test.com",
			Name:     "Test Agent",
			Role:     "agent",
		}
		db.Create(&testAgent)
		db.Create(&models.Agent{
			UserID:        testAgent.ID,
			Department:    "general",
			Status:        "offline",
			MaxConcurrent: 5,
		})
		log.Println("Created test agent")
	}
}
