// Package app wires herald's services together and owns their lifecycle.
package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	tele "gopkg.in/telebot.v4"

	"herald/internal/api"
	"herald/internal/bot"
	chtg "herald/internal/channel/telegram"
	chwp "herald/internal/channel/webpush"
	"herald/internal/config"
	"herald/internal/dispatch"
	"herald/internal/linking"
	"herald/internal/prefs"
	rtsup "herald/internal/runtime/supervisor"
	"herald/internal/store"
	"herald/internal/web"
	logx "herald/pkg/logx"
)

type App struct {
	cfgm    *config.Manager
	sup     *rtsup.Supervisor
	baseURL string

	log    logx.Logger
	logSvc *logx.Service

	store    store.Store
	linking  *linking.Manager
	resolver *prefs.Resolver

	teleBot    *tele.Bot
	chatAd     *chtg.Adapter
	botSvc     *bot.Service
	pushAd     *chwp.Adapter
	dispatcher *dispatch.Service
	apiSrv     *api.Server

	cron *cron.Cron
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := validate(cfg); err != nil {
		return nil, err
	}

	logSvc, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	log = log.With(logx.String("comp", "app"))

	a := &App{cfgm: cfgm, log: log, logSvc: logSvc,
		baseURL: strings.TrimRight(cfg.HTTP.BaseURL, "/")}

	busyTimeout, err := config.ParseDurationOrDefault("storage.busy_timeout", cfg.Storage.BusyTimeout, 5*time.Second)
	if err != nil {
		return nil, err
	}
	st, err := store.Open(store.Config{
		Path:        cfg.Storage.Path,
		BusyTimeout: busyTimeout,
	}, log.With(logx.String("comp", "store")))
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	a.store = st

	tokenTTL, err := config.ParseDurationOrDefault("linking.token_ttl", cfg.Linking.TokenTTL, linking.DefaultTokenTTL)
	if err != nil {
		return nil, err
	}
	a.linking = linking.NewManager(st, tokenTTL, log.With(logx.String("comp", "linking")))
	a.resolver = prefs.NewResolver(st, defaultPrefs(cfg.DefaultPreferences), log.With(logx.String("comp", "prefs")))

	var chatSender dispatch.ChatSender
	if cfg.Telegram.Enabled {
		pollTimeout, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
		if err != nil {
			return nil, err
		}
		b, err := tele.NewBot(tele.Settings{
			Token:  cfg.Telegram.Token,
			Poller: &tele.LongPoller{Timeout: pollTimeout},
		})
		if err != nil {
			return nil, fmt.Errorf("telegram bot: %w", err)
		}
		a.teleBot = b
		a.chatAd = chtg.New(b, log.With(logx.String("comp", "telegram")))
		chatSender = a.chatAd
		a.botSvc = bot.New(b, a.linking, st, log.With(logx.String("comp", "bot")))

		username := cfg.Telegram.BotUsername
		if username == "" {
			username = a.botSvc.Username()
		}
		a.linking.SetBotUsername(username)
	}

	var pushSender dispatch.PushSender
	if cfg.WebPush.Enabled {
		ttl, err := config.ParseDurationOrDefault("webpush.ttl", cfg.WebPush.TTL, 24*time.Hour)
		if err != nil {
			return nil, err
		}
		ad, err := chwp.New(chwp.Config{
			VAPIDPublicKey:  cfg.WebPush.VAPIDPublicKey,
			VAPIDPrivateKey: cfg.WebPush.VAPIDPrivateKey,
			ContactEmail:    cfg.WebPush.ContactEmail,
			TTL:             ttl,
		}, log.With(logx.String("comp", "webpush")))
		if err != nil {
			return nil, fmt.Errorf("webpush adapter: %w", err)
		}
		a.pushAd = ad
		pushSender = ad
	}

	dcfg, err := dispatchConfig(cfg.Dispatch)
	if err != nil {
		return nil, err
	}
	a.dispatcher = dispatch.New(dcfg, st, a.resolver, chatSender, pushSender,
		log.With(logx.String("comp", "dispatch")))

	if cfg.HTTP.Enabled {
		staticFS, err := web.Static()
		if err != nil {
			return nil, fmt.Errorf("static assets: %w", err)
		}
		var notifier api.ChatNotifier
		if a.chatAd != nil {
			notifier = a.chatAd
		}
		a.apiSrv = api.NewServer(api.Config{
			Addr:            cfg.HTTP.Addr,
			WebPushEnabled:  cfg.WebPush.Enabled,
			VAPIDPublicKey:  cfg.WebPush.VAPIDPublicKey,
			TelegramEnabled: cfg.Telegram.Enabled,
		}, st, a.linking, a.resolver, a.dispatcher, notifier, staticFS,
			log.With(logx.String("comp", "http")))
	}

	if err := a.setupCron(cfg); err != nil {
		return nil, err
	}
	return a, nil
}

// Dispatch hands one event to the fan-out pipeline. This is the entry point
// the host application's event feed calls into. Relative payload URLs are
// resolved against http.base_url so chat links and push click targets work
// outside the origin.
func (a *App) Dispatch(ctx context.Context, ev dispatch.Event) error {
	if a.baseURL != "" && strings.HasPrefix(ev.Payload.URL, "/") {
		ev.Payload.URL = a.baseURL + ev.Payload.URL
	}
	return a.dispatcher.Dispatch(ctx, ev)
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log))
	runCtx := a.sup.Context()

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		return validate(cfg)
	})
	a.sup.GoRestart("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	sub := a.cfgm.Subscribe(4)
	a.sup.Go("config.apply", func(c context.Context) error {
		for {
			select {
			case <-c.Done():
				a.cfgm.Unsubscribe(sub)
				return nil
			case cfg, ok := <-sub:
				if !ok {
					return nil
				}
				a.applyConfig(cfg)
			}
		}
	})

	a.dispatcher.Start(runCtx)

	if a.botSvc != nil {
		if err := a.botSvc.Start(runCtx); err != nil {
			return fmt.Errorf("start bot: %w", err)
		}
	}
	if a.apiSrv != nil {
		srv := a.apiSrv
		a.sup.Go("http", func(c context.Context) error {
			go func() {
				<-c.Done()
				sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = srv.Stop(sctx)
			}()
			return srv.Start()
		})
	}
	a.cron.Start()

	a.log.Info("started")
	return nil
}

func (a *App) Stop(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	a.log.Info("stopping")

	if a.cron != nil {
		cronCtx := a.cron.Stop()
		select {
		case <-cronCtx.Done():
		case <-ctx.Done():
		}
	}
	if a.botSvc != nil {
		_ = a.botSvc.Stop(ctx)
	}
	if a.dispatcher != nil {
		a.dispatcher.Stop(ctx)
	}
	if a.apiSrv != nil {
		_ = a.apiSrv.Stop(ctx)
	}
	if a.sup != nil {
		_ = a.sup.Stop(ctx)
	}
	if a.store != nil {
		_ = a.store.Close()
	}
	if a.logSvc != nil {
		_ = a.logSvc.Close()
	}
	return nil
}

// Done is closed when the supervisor context ends (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// applyConfig handles hot-reloadable settings. Channel enablement, HTTP
// address and storage path changes need a restart.
func (a *App) applyConfig(cfg *config.Config) {
	if cfg == nil {
		return
	}
	a.logSvc.Apply(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	a.resolver.SetDefaults(defaultPrefs(cfg.DefaultPreferences))
	if dcfg, err := dispatchConfig(cfg.Dispatch); err == nil {
		a.dispatcher.Apply(dcfg)
	}
	a.log.Info("config applied")
}

func (a *App) setupCron(cfg *config.Config) error {
	retention, err := config.ParseDurationOrDefault("maintenance.log_retention", cfg.Maintenance.LogRetention, 90*24*time.Hour)
	if err != nil {
		return err
	}
	sweepSpec := cfg.Maintenance.TokenSweepSpec
	if sweepSpec == "" {
		sweepSpec = "@hourly"
	}
	pruneSpec := cfg.Maintenance.LogPruneSpec
	if pruneSpec == "" {
		pruneSpec = "@daily"
	}

	a.cron = cron.New()
	_, err = a.cron.AddFunc(sweepSpec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if _, err := a.linking.SweepExpired(ctx); err != nil {
			a.log.Warn("token sweep failed", logx.Err(err))
		}
	})
	if err != nil {
		return fmt.Errorf("maintenance.token_sweep_spec: %w", err)
	}
	_, err = a.cron.AddFunc(pruneSpec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		n, err := a.store.PruneAttempts(ctx, time.Now().Add(-retention))
		if err != nil {
			a.log.Warn("delivery log prune failed", logx.Err(err))
			return
		}
		if n > 0 {
			a.log.Info("delivery log pruned", logx.Int64("rows", n))
		}
	})
	if err != nil {
		return fmt.Errorf("maintenance.log_prune_spec: %w", err)
	}
	return nil
}

func dispatchConfig(d config.DispatchConfig) (dispatch.Config, error) {
	base, err := config.ParseDurationOrDefault("dispatch.retry_base", d.RetryBase, time.Second)
	if err != nil {
		return dispatch.Config{}, err
	}
	maxDelay, err := config.ParseDurationOrDefault("dispatch.retry_max_delay", d.RetryMaxDelay, 30*time.Second)
	if err != nil {
		return dispatch.Config{}, err
	}
	sendTimeout, err := config.ParseDurationOrDefault("dispatch.send_timeout", d.SendTimeout, 10*time.Second)
	if err != nil {
		return dispatch.Config{}, err
	}
	return dispatch.Config{
		Workers:       d.Workers,
		QueueSize:     d.QueueSize,
		RatePerSec:    d.RatePerSec,
		RetryMax:      d.RetryMax,
		RetryBase:     base,
		RetryFactor:   d.RetryFactor,
		RetryMaxDelay: maxDelay,
		SendTimeout:   sendTimeout,
	}, nil
}

// defaultPrefs copies the configured defaults and makes sure the synthetic
// "test" event type is deliverable unless the operator disabled it.
func defaultPrefs(m map[string]bool) map[string]bool {
	out := make(map[string]bool, len(m)+1)
	for k, v := range m {
		out[k] = v
	}
	if _, ok := out["test"]; !ok {
		out["test"] = true
	}
	return out
}

func validate(cfg *config.Config) error {
	if cfg == nil {
		return fmt.Errorf("empty config")
	}
	if strings.TrimSpace(cfg.Storage.Path) == "" {
		return fmt.Errorf("storage.path is required")
	}
	if cfg.Telegram.Enabled && strings.TrimSpace(cfg.Telegram.Token) == "" {
		return fmt.Errorf("telegram.token is required when telegram is enabled")
	}
	if cfg.WebPush.Enabled {
		if strings.TrimSpace(cfg.WebPush.VAPIDPublicKey) == "" ||
			strings.TrimSpace(cfg.WebPush.VAPIDPrivateKey) == "" {
			return fmt.Errorf("webpush.vapid keys are required when webpush is enabled")
		}
	}
	if !cfg.Telegram.Enabled && !cfg.WebPush.Enabled {
		return fmt.Errorf("at least one delivery channel must be enabled")
	}
	if cfg.Dispatch.RetryMax < 0 {
		return fmt.Errorf("dispatch.retry_max must be >= 0")
	}
	// Parse all duration fields up front so a bad reload is rejected whole.
	fields := []struct{ name, val string }{
		{"telegram.poll_timeout", cfg.Telegram.PollTimeout},
		{"webpush.ttl", cfg.WebPush.TTL},
		{"storage.busy_timeout", cfg.Storage.BusyTimeout},
		{"linking.token_ttl", cfg.Linking.TokenTTL},
		{"dispatch.retry_base", cfg.Dispatch.RetryBase},
		{"dispatch.retry_max_delay", cfg.Dispatch.RetryMaxDelay},
		{"dispatch.send_timeout", cfg.Dispatch.SendTimeout},
		{"maintenance.log_retention", cfg.Maintenance.LogRetention},
	}
	for _, f := range fields {
		if f.val == "" {
			continue
		}
		if _, err := config.ParseDurationField(f.name, f.val); err != nil {
			return err
		}
	}
	return nil
}
