/*
 * @module service/init
 * @description 服务初始化模块，负责数据库连接、迁移、全局服务装配和调度器启动
 * @architecture 分层架构 - 服务层
 * @documentReference ai_docs/mes_erp_sync_design.md 第1节
 * @stateFlow 应用启动时执行初始化流程
 * @rules 确保所有依赖服务正常启动后才提供API服务
 * @dependencies gorm.io/gorm, gorm.io/driver/postgres
 * @refs service/database, service/sync_engine, service/scheduler
 */

package service

import (
	"context"
	"fmt"
	"log"
	"os"
	"strconv"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"mes-sync-service/service/adapter"
	"mes-sync-service/service/audit"
	"mes-sync-service/service/database"
	"mes-sync-service/service/discrepancy"
	"mes-sync-service/service/distributed_lock"
	"mes-sync-service/service/event"
	"mes-sync-service/service/mapping"
	"mes-sync-service/service/monitoring"
	"mes-sync-service/service/notifier"
	"mes-sync-service/service/reconcile"
	"mes-sync-service/service/report"
	"mes-sync-service/service/scheduler"
	"mes-sync-service/service/sync_engine"
	"mes-sync-service/service/utils"
	"mes-sync-service/service/webhook"
)

var (
	DB                      *gorm.DB
	GlobalEventBus          *event.Bus
	GlobalAuditService      *audit.Service
	GlobalMappingEngine     *mapping.Engine
	GlobalAdapterRegistry   *adapter.Registry
	GlobalWebhookService    *webhook.Service
	GlobalDiscrepancySvc    *discrepancy.Service
	GlobalReconcileService  *reconcile.Service
	GlobalReportService     *report.Service
	GlobalSyncEngine        *sync_engine.Engine
	GlobalSchedulerService  *scheduler.Service
	GlobalConfigLock        distributed_lock.ConfigLock
	GlobalCryptoUtils       *utils.CryptoUtils
)

func init() {
	initDatabase()
	runMigrations()
	initServices()
}

// initDatabase 初始化数据库连接
func initDatabase() {
	var dsn string

	// 优先使用DATABASE_URL环境变量
	if databaseURL := os.Getenv("DATABASE_URL"); databaseURL != "" {
		dsn = databaseURL
	} else {
		host := getEnvWithDefault("DB_HOST", "localhost")
		port := getEnvWithDefault("DB_PORT", "5432")
		user := getEnvWithDefault("DB_USER", "postgres")
		password := getEnvWithDefault("DB_PASSWORD", "postgres")
		dbname := getEnvWithDefault("DB_NAME", "mes_sync")
		sslmode := getEnvWithDefault("DB_SSLMODE", "disable")
		schema := getEnvWithDefault("DB_SCHEMA", "public")

		dsn = fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s search_path=%s TimeZone=Asia/Shanghai",
			host, port, user, password, dbname, sslmode, schema)
	}

	var err error
	DB, err = gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		log.Fatalf("数据库连接失败: %v", err)
	}

	log.Println("数据库连接成功")
}

// getEnvWithDefault 获取环境变量，如果不存在则返回默认值
func getEnvWithDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// runMigrations 运行数据库迁移
func runMigrations() {
	log.Println("开始运行数据库迁移...")

	if err := database.AutoMigrate(DB); err != nil {
		log.Fatalf("数据库迁移失败: %v", err)
	}
	log.Println("数据库表结构迁移完成")

	if err := database.InitializeData(DB); err != nil {
		log.Fatalf("基础数据初始化失败: %v", err)
	}
	log.Println("基础数据初始化完成")
}

// initServices 初始化服务
func initServices() {
	GlobalEventBus = event.NewBus()
	GlobalAuditService = audit.NewService(DB)
	GlobalCryptoUtils = utils.NewCryptoUtils(os.Getenv("CONFIG_ENCRYPTION_KEY"))
	GlobalMappingEngine = mapping.NewEngine(DB)
	GlobalReportService = report.NewService(DB)

	// 适配器注册中心与MES本地侧记录源
	GlobalAdapterRegistry = adapter.GetGlobalRegistry()
	adapter.RegisterDefaults(GlobalAdapterRegistry, GlobalCryptoUtils)
	mesSource := adapter.NewRESTSource(
		getEnvWithDefault("MES_BASE_URL", "http://localhost:8000/api/v1"),
		os.Getenv("MES_API_KEY"))

	// 差异管理与对账编排
	GlobalDiscrepancySvc = discrepancy.NewService(
		DB, GlobalMappingEngine, GlobalAdapterRegistry, mesSource, GlobalEventBus)
	reconciler := reconcile.NewReconciler(GlobalMappingEngine, reconcile.NewRuleEvaluator(DB))
	GlobalReconcileService = reconcile.NewService(
		DB, reconciler, GlobalDiscrepancySvc, GlobalAuditService,
		GlobalEventBus, GlobalAdapterRegistry, mesSource)

	// 同步任务引擎，按集成限并发
	maxPerIntegration := 2
	if raw := os.Getenv("SYNC_MAX_CONCURRENT_PER_INTEGRATION"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			maxPerIntegration = n
		}
	}
	GlobalSyncEngine = sync_engine.NewEngine(
		DB, GlobalMappingEngine, GlobalAdapterRegistry, mesSource, mesSource,
		GlobalAuditService, GlobalEventBus, maxPerIntegration)
	GlobalSyncEngine.SetReconcileFunc(func(ctx context.Context, integrationID, entityType string, dryRun bool, triggeredBy string) error {
		_, err := GlobalReconcileService.Run(ctx, integrationID, &reconcile.RunOptions{
			EntityType:  entityType,
			DryRun:      dryRun,
			TriggeredBy: triggeredBy,
		})
		return err
	})

	// Webhook投递与事件订阅
	GlobalWebhookService = webhook.NewService(DB, GlobalAuditService)
	GlobalEventBus.Subscribe(GlobalWebhookService)
	GlobalEventBus.Subscribe(monitoring.EventCounter{})
	initNotifiers()

	// 配置写锁：Redis不可用时退化为进程内锁
	if lock, err := distributed_lock.NewRedisLock(); err == nil {
		GlobalConfigLock = lock
	} else {
		log.Printf("Redis不可用，配置写锁退化为进程内锁: %v", err)
		GlobalConfigLock = distributed_lock.NewLocalLock()
	}

	// 周期对账调度
	GlobalSchedulerService = scheduler.NewService(DB, GlobalAuditService, GlobalReconcileService.Run)
	GlobalSchedulerService.Start()

	log.Println("服务初始化完成")
}

// initNotifiers 按环境变量装配消息代理事件镜像
func initNotifiers() {
	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		kafkaNotifier := notifier.NewKafkaNotifier(
			splitAndTrim(brokers), os.Getenv("KAFKA_EVENT_TOPIC"))
		GlobalEventBus.Subscribe(kafkaNotifier)
		log.Println("Kafka事件镜像已启用")
	}
	if broker := os.Getenv("MQTT_BROKER"); broker != "" {
		mqttNotifier, err := notifier.NewMQTTNotifier(
			broker, os.Getenv("MQTT_CLIENT_ID"), os.Getenv("MQTT_TOPIC_PREFIX"))
		if err != nil {
			log.Printf("MQTT事件镜像启用失败: %v", err)
		} else {
			GlobalEventBus.Subscribe(mqttNotifier)
			log.Println("MQTT事件镜像已启用")
		}
	}
}

// splitAndTrim 逗号分隔并去除空白
func splitAndTrim(raw string) []string {
	var out []string
	start := 0
	for i := 0; i <= len(raw); i++ {
		if i == len(raw) || raw[i] == ',' {
			item := raw[start:i]
			for len(item) > 0 && item[0] == ' ' {
				item = item[1:]
			}
			for len(item) > 0 && item[len(item)-1] == ' ' {
				item = item[:len(item)-1]
			}
			if item != "" {
				out = append(out, item)
			}
			start = i + 1
		}
	}
	return out
}
