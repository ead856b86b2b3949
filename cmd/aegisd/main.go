package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"Aegis-Chain/internal/advisory"
	"Aegis-Chain/internal/agent"
	"Aegis-Chain/internal/api"
	"Aegis-Chain/internal/assets"
	"Aegis-Chain/internal/auth"
	"Aegis-Chain/internal/config"
	"Aegis-Chain/internal/guard"
	"Aegis-Chain/internal/intent"
	"Aegis-Chain/internal/llm"
	"Aegis-Chain/internal/llm/openai"
	"Aegis-Chain/internal/llm/pythonbridge"
	"Aegis-Chain/internal/observability/alerting"
	"Aegis-Chain/internal/observability/metrics"
	"Aegis-Chain/internal/principal"
	"Aegis-Chain/internal/proposal"
	"Aegis-Chain/internal/review"
	storage "Aegis-Chain/internal/storage/mysql"
	"Aegis-Chain/internal/swarm"
	"Aegis-Chain/internal/web3"
	"Aegis-Chain/internal/web3/provider"
	"Aegis-Chain/pkg/logger"
)

// snapshotFlushInterval 控制主体状态快照的落盘周期。
const snapshotFlushInterval = 30 * time.Second

// main 是 Aegis 守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("aegisd 运行失败: %v", err)
	}
}

func run(ctx context.Context) error {
	configPath := os.Getenv("AEGIS_CONFIG")
	if configPath == "" {
		configPath = filepath.Join("configs", "aegis.json")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	if err := logger.Init(logger.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		OutputPaths: cfg.Logging.OutputPaths,
		Audit: logger.AuditConfig{
			Enabled:    cfg.Logging.Audit.Enabled,
			Path:       cfg.Logging.Audit.Path,
			MaxSizeMB:  cfg.Logging.Audit.MaxSizeMB,
			MaxBackups: cfg.Logging.Audit.MaxBackups,
			MaxAgeDays: cfg.Logging.Audit.MaxAgeDays,
		},
	}); err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	dataDir := cfg.Runtime.DataDir
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return err
	}

	// 审查存储。
	var store review.Store
	switch cfg.Storage.ReviewStore.Driver {
	case "", "memory":
		store = review.NewMemoryStore()
	case "mysql":
		mysqlStore, err := review.NewMySQLStore(cfg.Storage.ReviewStore.DSN)
		if err != nil {
			return err
		}
		defer mysqlStore.Close()
		store = mysqlStore
	default:
		return fmt.Errorf("未知的审查存储驱动: %s", cfg.Storage.ReviewStore.Driver)
	}

	// 审查队列。
	queue, err := buildQueue(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := queue.Close(); err != nil {
			log.Printf("关闭审查队列失败: %v", err)
		}
	}()

	// 裁决审计日志与主体状态快照，驱动跟随审查存储。
	var decisions storage.DecisionLog
	var snapshots storage.SnapshotStore
	switch cfg.Storage.ReviewStore.Driver {
	case "", "memory":
		fileLog, err := storage.NewFileDecisionLog(dataDir)
		if err != nil {
			return err
		}
		decisions = fileLog
		fileSnapshots, err := storage.NewFileSnapshotStore(dataDir)
		if err != nil {
			return err
		}
		snapshots = fileSnapshots
	case "mysql":
		sqlLog, err := storage.NewSQLDecisionLog(ctx, storage.Config{DSN: cfg.Storage.ReviewStore.DSN})
		if err != nil {
			return err
		}
		defer sqlLog.Close()
		decisions = sqlLog
		sqlSnapshots, err := storage.NewSQLSnapshotStore(ctx, storage.Config{DSN: cfg.Storage.ReviewStore.DSN})
		if err != nil {
			return err
		}
		defer sqlSnapshots.Close()
		snapshots = sqlSnapshots
	}

	// 主体注册表与名称目录。
	registry := principal.NewRegistry()
	directory := intent.NewDirectory()
	for _, pc := range cfg.Principals {
		identity := common.HexToAddress(pc.Identity)
		if _, err := registry.Register(identity, pc.Name, policyFromConfig(pc.Policy)); err != nil {
			return fmt.Errorf("注册主体 %s 失败: %w", pc.Name, err)
		}
		if pc.Name != "" {
			directory.Register(pc.Name, identity)
		}
	}

	// 从快照恢复滑动窗口状态，保证重启后的限额连续。
	if snapshots != nil {
		restored, err := snapshots.LoadSnapshots(ctx)
		if err != nil {
			return err
		}
		for _, snapshot := range restored {
			p, err := registry.Get(snapshot.Principal)
			if err != nil {
				continue
			}
			p.RestoreState(snapshot)
		}
	}

	// 链客户端。未配置 RPC 时守护进程退化为纯裁决服务。
	var chainClient web3.Client
	if strings.TrimSpace(cfg.Web3.RPCURL) != "" || cfg.Web3.ChainConfig != "" {
		chainRegistry, err := provider.NewRegistry(ctx, cfg.Web3)
		if err != nil {
			return err
		}
		defer chainRegistry.Close()
		chainClient, err = chainRegistry.DefaultClient()
		if err != nil {
			return err
		}
	}

	// 授权管线。
	halt := guard.NewHaltSwitch()
	var engineOpts []guard.Option
	if chainClient != nil {
		engineOpts = append(engineOpts, guard.WithDryRunner(signerDryRunner{signer: chainClient}))
	}
	engine := guard.NewEngine(registry, halt, engineOpts...)

	// 多智能体共识层。
	var council *swarm.Council
	if cfg.Swarm.Enabled {
		council = swarm.NewCouncil(
			swarm.WithQuorum(cfg.Swarm.Quorum),
			swarm.WithNativeDecimals(cfg.Swarm.NativeDecimals),
		)
		for _, vc := range cfg.Swarm.Voters {
			voter := swarm.Voter{
				Identity:  common.HexToAddress(vc.Identity),
				Name:      vc.Name,
				Posture:   swarm.Posture(vc.Posture),
				Threshold: vc.Threshold,
			}
			if err := council.Register(voter); err != nil {
				return fmt.Errorf("注册投票人 %s 失败: %w", vc.Name, err)
			}
		}
	}

	// 意图翻译层。
	translatorOpts := []intent.TranslatorOption{
		intent.WithTranslatorNativeDecimals(cfg.Swarm.NativeDecimals),
	}
	if cfg.Assets.CatalogPath != "" {
		catalog, err := assets.LoadStaticCatalog(cfg.Assets.CatalogPath)
		if err != nil {
			return err
		}
		translatorOpts = append(translatorOpts, intent.WithCatalog(catalog))
	}
	if cfg.LLM.Provider != "disabled" {
		llmClient, err := createModelClient(cfg)
		if err != nil {
			return err
		}
		translatorOpts = append(translatorOpts,
			intent.WithModel(intent.NewModelAdapter(llmClient, directory)))
	}
	translator := intent.NewTranslator(directory, translatorOpts...)

	// 操作提示库。
	var advisor advisory.Provider
	if cfg.Advisory.Path != "" {
		hints, err := advisory.LoadStaticProvider(cfg.Advisory.Path, cfg.Advisory.MaxResults)
		if err != nil {
			return err
		}
		advisor = hints
	}

	// API 鉴权。
	authService, err := buildAuth(ctx, cfg)
	if err != nil {
		return err
	}

	// 审查服务与处理器。
	service := review.NewService(store, queue)
	processorOpts := []review.ProcessorOption{
		review.WithWorkerCount(cfg.Queue.Workers),
		review.WithProcessorLogger(logger.L()),
		review.WithDecisionLog(decisions),
	}
	if council != nil {
		processorOpts = append(processorOpts, review.WithCouncil(council))
	}
	if chainClient != nil {
		processorOpts = append(processorOpts, review.WithSigner(chainClient))
	}
	if dispatcher := buildAlerting(cfg); dispatcher != nil {
		processorOpts = append(processorOpts, review.WithAlertDispatcher(dispatcher))
	}
	processor := review.NewProcessor(engine, store, queue, processorOpts...)

	processorCtx, processorCancel := context.WithCancel(ctx)
	defer processorCancel()
	go func() {
		if err := processor.Start(processorCtx); err != nil && !errors.Is(err, context.Canceled) {
			logger.L().Error("审查处理器异常退出", "error", err)
		}
	}()

	// 周期性落盘主体状态，退出前再落一次。
	if snapshots != nil {
		flusherCtx, flusherCancel := context.WithCancel(ctx)
		defer flusherCancel()
		go flushSnapshots(flusherCtx, registry, snapshots)
		defer saveSnapshots(context.Background(), registry, snapshots)
	}

	// 自治策略循环。
	for _, pc := range cfg.Principals {
		loop := pc.Agent
		if loop == nil || !loop.Enabled {
			continue
		}
		if chainClient == nil {
			logger.L().Warn("未配置链客户端，跳过自治循环", "principal", pc.Name)
			continue
		}
		strategy, err := agent.NewThresholdStrategy(
			common.HexToAddress(loop.Destination), loop.Reserve, loop.MaxPerCycle)
		if err != nil {
			return fmt.Errorf("构造主体 %s 的策略失败: %w", pc.Name, err)
		}
		var agentOpts []agent.Option
		if loop.IntervalSecs > 0 {
			agentOpts = append(agentOpts, agent.WithInterval(time.Duration(loop.IntervalSecs)*time.Second))
		}
		ag := agent.New(common.HexToAddress(pc.Identity), chainClient, service, strategy, agentOpts...)
		if err := ag.Start(ctx); err != nil {
			return err
		}
		defer ag.Stop()
	}

	serverOpts := []api.Option{
		api.WithTranslator(translator),
		api.WithDirectory(directory),
		api.WithDecisionLog(decisions),
	}
	if chainClient != nil {
		serverOpts = append(serverOpts, api.WithLedgerReader(chainClient))
	}
	if advisor != nil {
		serverOpts = append(serverOpts, api.WithAdvisor(advisor))
	}
	if authService != nil {
		serverOpts = append(serverOpts, api.WithAuthService(authService))
	}
	server := api.NewServer(cfg.Server.Address, service, engine, registry, serverOpts...)

	if cfg.Server.MetricsAddress != "" {
		go func() {
			if err := metrics.StartServer(ctx, cfg.Server.MetricsAddress); err != nil && !errors.Is(err, context.Canceled) {
				logger.L().Error("指标服务退出", "error", err)
			}
		}()
		logger.L().Info("指标服务启动", "address", cfg.Server.MetricsAddress)
	}

	logger.L().Info("aegisd 启动", "address", cfg.Server.Address)
	if err := server.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// signerDryRunner 把链客户端的试运行结果适配为授权管线的输入。
type signerDryRunner struct {
	signer web3.Signer
}

func (r signerDryRunner) DryRun(ctx context.Context, identity common.Address, p *proposal.Proposal) (guard.DryRunResult, error) {
	outcome, err := r.signer.DryRun(ctx, identity, p)
	if err != nil {
		return guard.DryRunResult{}, err
	}
	return guard.DryRunResult{
		Success: outcome.Success,
		Logs:    outcome.Logs,
		Err:     outcome.Err,
	}, nil
}

func buildQueue(cfg *config.Config) (review.Queue, error) {
	switch cfg.Queue.Driver {
	case "", "memory":
		return review.NewMemoryQueue(1024), nil
	case "redis":
		return review.NewRedisQueue(review.RedisQueueConfig{
			Address:   cfg.Queue.Redis.Address,
			Password:  cfg.Queue.Redis.Password,
			DB:        cfg.Queue.Redis.DB,
			Queue:     cfg.Queue.Redis.Queue,
			BlockWait: time.Duration(cfg.Queue.Redis.BlockWaitSecs) * time.Second,
		})
	case "rabbitmq":
		return review.NewRabbitMQQueue(review.RabbitMQConfig{
			URL:        cfg.Queue.RabbitMQ.URL,
			Queue:      cfg.Queue.RabbitMQ.Queue,
			Prefetch:   cfg.Queue.RabbitMQ.Prefetch,
			Durable:    cfg.Queue.RabbitMQ.Durable,
			AutoDelete: cfg.Queue.RabbitMQ.AutoDelete,
		})
	default:
		return nil, fmt.Errorf("未知的队列驱动: %s", cfg.Queue.Driver)
	}
}

func buildAuth(ctx context.Context, cfg *config.Config) (*auth.Service, error) {
	mode := auth.Mode(strings.ToLower(cfg.Auth.Mode))
	if mode == "" || mode == auth.ModeDisabled {
		return auth.NewService(ctx, auth.Config{Mode: auth.ModeDisabled}, nil)
	}

	var store auth.Store
	if cfg.Storage.ReviewStore.Driver == "mysql" {
		sqlStore, err := storage.NewSQLAuthStore(ctx, storage.Config{DSN: cfg.Storage.ReviewStore.DSN})
		if err != nil {
			return nil, err
		}
		store = sqlStore
	} else {
		memStore, err := auth.NewMemoryStore(nil)
		if err != nil {
			return nil, err
		}
		store = memStore
	}

	var seeds []auth.Seed
	if cfg.Auth.SeedsPath != "" {
		content, err := os.ReadFile(cfg.Auth.SeedsPath)
		if err != nil {
			return nil, fmt.Errorf("读取鉴权种子文件失败: %w", err)
		}
		if err := json.Unmarshal(content, &seeds); err != nil {
			return nil, fmt.Errorf("解析鉴权种子文件失败: %w", err)
		}
	}

	return auth.NewService(ctx, auth.Config{
		Mode: mode,
		JWT: auth.JWTOptions{
			Secret:    cfg.Auth.JWTSecret,
			AccessTTL: int64(cfg.Auth.TokenTTLMins) * 60,
		},
		Seeds: seeds,
	}, store)
}

func buildAlerting(cfg *config.Config) alerting.Dispatcher {
	var notifiers []alerting.Notifier
	if cfg.Alerting.DingTalk.Enabled && cfg.Alerting.DingTalk.WebhookURL != "" {
		notifiers = append(notifiers, &alerting.DingTalkNotifier{
			Sender: &alerting.WebhookDingTalkSender{URL: cfg.Alerting.DingTalk.WebhookURL},
		})
	}
	if cfg.Alerting.Slack.Enabled && cfg.Alerting.Slack.WebhookURL != "" {
		notifiers = append(notifiers, &alerting.SlackNotifier{
			Sender:    &alerting.WebhookSlackSender{URL: cfg.Alerting.Slack.WebhookURL},
			ChannelID: "alerts",
		})
	}
	if cfg.Alerting.Email.Enabled {
		logger.L().Warn("邮件告警未配置发送网关，跳过该渠道")
	}
	if len(notifiers) == 0 {
		return nil
	}
	return alerting.NewFanout(notifiers...)
}

func policyFromConfig(pc config.PolicyConfig) principal.Policy {
	policy := principal.Policy{
		MaxPerOperation: pc.MaxPerOperation,
		MaxPerHour:      pc.MaxPerHour,
		MinInterval:     time.Duration(pc.MinIntervalSecs) * time.Second,
		MaxCountPerHour: pc.MaxCountPerHour,
		RequireDryRun:   pc.RequireDryRun,
		MinConfidence:   pc.MinConfidence,

		AllowTransfer:      pc.AllowTransfer,
		AllowAssetTransfer: pc.AllowAssetTransfer,
		AllowExchange:      pc.AllowExchange,
		AllowStake:         pc.AllowStake,
		AllowProgramCall:   pc.AllowProgramCall,
	}
	for _, program := range pc.AllowedPrograms {
		policy.AllowedPrograms = append(policy.AllowedPrograms, common.HexToAddress(program))
	}
	return policy
}

func flushSnapshots(ctx context.Context, registry *principal.Registry, snapshots storage.SnapshotStore) {
	ticker := time.NewTicker(snapshotFlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			saveSnapshots(ctx, registry, snapshots)
		}
	}
}

func saveSnapshots(ctx context.Context, registry *principal.Registry, snapshots storage.SnapshotStore) {
	for _, p := range registry.List() {
		if err := snapshots.SaveSnapshot(ctx, p.StateSnapshot()); err != nil {
			logger.L().Error("保存主体状态快照失败",
				"principal", p.Identity().Hex(),
				"error", err)
		}
	}
}

func createModelClient(cfg *config.Config) (llm.Client, error) {
	switch cfg.LLM.Provider {
	case "python_bridge":
		scriptPath := pythonbridge.ResolveScriptPath(cfg.LLM.Python.WorkingDir, cfg.LLM.Python.ScriptPath)
		return pythonbridge.NewClient(cfg.LLM.Python.PythonExecutable, scriptPath, cfg.LLM.Python.WorkingDir)
	case "openai":
		apiKey := strings.TrimSpace(cfg.LLM.OpenAI.APIKey)
		if apiKey == "" {
			apiKey = strings.TrimSpace(os.Getenv("AEGIS_OPENAI_API_KEY"))
		}
		if apiKey == "" {
			return nil, errors.New("OpenAI provider 需要配置 api_key 或环境变量 AEGIS_OPENAI_API_KEY")
		}
		timeout := time.Duration(cfg.LLM.OpenAI.TimeoutSecs) * time.Second
		return openai.NewClient(openai.Config{
			APIKey:  apiKey,
			BaseURL: cfg.LLM.OpenAI.BaseURL,
			Model:   cfg.LLM.OpenAI.Model,
			Timeout: timeout,
		})
	default:
		return nil, fmt.Errorf("未知的模型 provider: %s", cfg.LLM.Provider)
	}
}
