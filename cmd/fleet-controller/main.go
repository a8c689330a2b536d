// Package main fleet 控制器入口
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"

	"fleet-agents/internal/agent"
	"fleet-agents/internal/api"
	"fleet-agents/internal/config"
	"fleet-agents/internal/controller"
	"fleet-agents/internal/driver"
	"fleet-agents/internal/fleet"
	"fleet-agents/internal/fleet/awsfleet"
	"fleet-agents/internal/fleet/memfleet"
	"fleet-agents/internal/inventory"
	"fleet-agents/internal/lifecycle"
	"fleet-agents/internal/metrics"
	"fleet-agents/internal/onlinegate"
	"fleet-agents/internal/retention"
	"fleet-agents/internal/stack"
	"fleet-agents/internal/storage"
)

func main() {
	configDir := flag.String("config", "", "配置目录（包含 common.yaml 与 {env}.yaml）")
	configFile := flag.String("config-file", "", "单个配置文件路径，优先于 --config")
	flag.Parse()

	if *configDir != "" {
		config.SetConfigDir(*configDir)
	}
	load := func() (*config.Config, error) {
		if *configFile != "" {
			return config.LoadFile(*configFile)
		}
		return config.Load()
	}

	cfg, err := load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	log.Printf("Starting fleet controller... [env=%s]", cfg.Env)
	log.Printf("Config: %s", cfg.String())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, load); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("Fleet controller error: %v", err)
	}
	fmt.Println("Fleet controller stopped")
}

func run(ctx context.Context, cfg *config.Config, reload func() (*config.Config, error)) error {
	clock := clockwork.NewRealClock()
	m := metrics.New("fleet")

	// Redis：队列长度、Agent 镜像、心跳与任务事件
	var (
		redisStore *storage.RedisStore
		demand     inventory.DemandSource
		mirror     inventory.Mirror
		connector  agent.Connector = agent.NewMemoryConnector(true)
	)
	if cfg.RedisEnabled {
		s, err := storage.NewRedisStore(cfg.RedisURL)
		if err != nil {
			return err
		}
		defer s.Close()
		redisStore, demand, mirror, connector = s, s, s, s
	} else {
		log.Println("Redis disabled, agents are assumed reachable")
	}

	// 控制器 ID：配置了 etcd 时持久化在 etcd 并参与选主，否则写本地文件
	var (
		etcdStore *storage.EtcdStore
		ids       controller.IDStore
	)
	if len(cfg.EtcdEndpoints) > 0 {
		s, err := storage.NewEtcdStore(cfg.EtcdEndpoints, cfg.EtcdPrefix, cfg.EtcdTimeout)
		if err != nil {
			return err
		}
		defer s.Close()
		etcdStore, ids = s, s
	} else {
		ids = storage.NewFileOwnerStore(cfg.OwnerIDFile)
	}

	awsClients := awsfleet.NewSDKClients(cfg.AWS.Region, cfg.AWS.Profile)
	backends := fleet.NewRegistry()
	awsfleet.Register(backends, awsClients)
	backends.RegisterKind(newMemoryFleets(cfg))

	stacks, err := newStackProvisioner(cfg, awsClients)
	if err != nil {
		return err
	}

	pool := inventory.NewPool(demand, mirror)
	gate := onlinegate.New(clock, connector, m)
	deps := controller.Deps{
		Backends:  backends,
		Scheduler: pool,
		Lifecycle: lifecycle.NewManager(pool, gate, clock),
		Stacks:    stacks,
		Clock:     clock,
		Metrics:   m,
	}

	registry := controller.NewRegistry()
	if err := registry.Apply(ctx, cfg.Controllers, ids, deps); err != nil {
		log.Printf("[config] Some controllers failed to start: %v", err)
	}
	engine := retention.New(registry, connector, clock, m)

	loops := func(ctx context.Context) error {
		g, ctx := errgroup.WithContext(ctx)
		g.Go(func() error { return gate.Run(ctx) })
		g.Go(func() error {
			return driver.New(clock, cfg.Driver.UpdateInterval, driver.FromRegistry(registry), m).Run(ctx)
		})
		g.Go(func() error {
			return driver.NewRetentionLoop(clock, cfg.Driver.RetentionInterval, pool.Agents, engine, m).Run(ctx)
		})
		g.Go(func() error {
			return driver.NewPlanner(clock, cfg.Driver.PlannerInterval, pool, driver.ProvisionersFromRegistry(registry), m).Run(ctx)
		})
		if redisStore != nil {
			handler := driver.NewTaskEventHandler(pool.Agent, engine, m)
			g.Go(func() error {
				return redisStore.ConsumeTaskEvents(ctx, cfg.Driver.TaskEventsStream, handler.Handle)
			})
		}
		return g.Wait()
	}

	srv := &http.Server{
		Addr:         ":" + cfg.APIPort,
		Handler:      api.NewHandler(registry, pool, engine, m).Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Printf("API listening on :%s", cfg.APIPort)
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		log.Println("Shutting down server...")
		sctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return srv.Shutdown(sctx)
	})
	g.Go(func() error { return watchReload(ctx, reload, registry, ids, deps) })
	g.Go(func() error {
		if etcdStore == nil {
			return loops(ctx)
		}
		return leaderLoop(ctx, etcdStore, cfg.ElectionTTL, loops)
	})
	return g.Wait()
}

// newStackProvisioner 多标签模式的栈管理；CloudFormation 客户端在首次使用时创建，
// 重载后新增的多标签控制器同样可用
func newStackProvisioner(cfg *config.Config, clients *awsfleet.SDKClients) (stack.Provisioner, error) {
	var template string
	if cfg.AWS.StackTemplateFile != "" {
		data, err := os.ReadFile(cfg.AWS.StackTemplateFile)
		if err != nil {
			return nil, fmt.Errorf("read stack template: %w", err)
		}
		template = string(data)
	}
	return stack.NewLazy(func(ctx context.Context) (stack.Provisioner, error) {
		cfn, err := clients.CloudFormation(ctx, "")
		if err != nil {
			return nil, err
		}
		return stack.NewCloudFormation(cfn, template, map[string]string{"fleet-agents:managed": "true"}), nil
	}), nil
}

// watchReload 收到 SIGHUP 时重新加载配置并同步控制器查找表
func watchReload(ctx context.Context, reload func() (*config.Config, error), registry *controller.Registry, ids controller.IDStore, deps controller.Deps) error {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-hup:
			cfg, err := reload()
			if err != nil {
				log.Printf("[config] Reload failed, keeping current controllers: %v", err)
				continue
			}
			if err := registry.Apply(ctx, cfg.Controllers, ids, deps); err != nil {
				log.Printf("[config] Reload applied with errors: %v", err)
				continue
			}
			log.Printf("[config] Reloaded %d controllers", len(cfg.Controllers))
		}
	}
}

// leaderLoop 只有 leader 运行周期驱动；失去领导权后重新参选
func leaderLoop(ctx context.Context, s *storage.EtcdStore, ttl int, loops func(context.Context) error) error {
	host, _ := os.Hostname()
	candidate := fmt.Sprintf("%s-%d", host, os.Getpid())

	for {
		lost, resign, err := s.Campaign(ctx, candidate, ttl)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}

		lctx, cancel := context.WithCancel(ctx)
		go func() {
			select {
			case <-lost:
				log.Printf("[Etcd] Leadership lost")
				cancel()
			case <-lctx.Done():
			}
		}()
		err = loops(lctx)
		cancel()
		resign()

		if ctx.Err() != nil {
			return nil
		}
		if err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
	}
}

// newMemoryFleets 为 kind=memory 的控制器预建内存 fleet（本地调试）
func newMemoryFleets(cfg *config.Config) *memfleet.Fleet {
	mem := memfleet.New()
	mem.AutoLaunch = true
	for _, cc := range cfg.Controllers {
		if fleet.Kind(cc.Kind) == fleet.KindMemory && !cc.LabelMode() {
			mem.Create(cc.FleetID, cc.MinSize, nil)
		}
	}
	return mem
}
