package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/platanus-hack/platanus-hack-25-team-6/internal/eventlog"
	"github.com/platanus-hack/platanus-hack-25-team-6/internal/httpapi"
	"github.com/platanus-hack/platanus-hack-25-team-6/internal/jobs"
	"github.com/platanus-hack/platanus-hack-25-team-6/internal/llm"
	"github.com/platanus-hack/platanus-hack-25-team-6/internal/monitor"
	"github.com/platanus-hack/platanus-hack-25-team-6/internal/notifications"
	"github.com/platanus-hack/platanus-hack-25-team-6/internal/session"
	"github.com/platanus-hack/platanus-hack-25-team-6/internal/store"
	"github.com/platanus-hack/platanus-hack-25-team-6/internal/stt"
	"github.com/platanus-hack/platanus-hack-25-team-6/internal/telephony"
	"github.com/platanus-hack/platanus-hack-25-team-6/internal/tts"
)

type App struct {
	cfg      Config
	logger   *zap.Logger
	db       *pgxpool.Pool
	store    *store.Store
	eventLog *eventlog.Logger
	redis    *redis.Client
	relay    *monitor.Relay
	sessions *session.Manager
	jobs     *jobs.ReconcileJob

	warningAudio []byte
}

func New(cfg Config, logger *zap.Logger) (*App, error) {
	if cfg.OpenAIAPIKey == "" {
		return nil, errors.New("OPENAI_API_KEY is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	a := &App{cfg: cfg, logger: logger}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if cfg.DatabaseURL != "" {
		db, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("connect database: %w", err)
		}
		if err := db.Ping(ctx); err != nil {
			db.Close()
			return nil, fmt.Errorf("ping database: %w", err)
		}
		applied, err := store.Migrate(ctx, db)
		if err != nil {
			db.Close()
			return nil, err
		}
		logger.Info("database ready", zap.Int("migrations_applied", applied))
		a.db = db
		a.store = store.New(db)
		a.eventLog = eventlog.New(db, logger)
	} else {
		logger.Warn("DATABASE_URL not set, calls will not be persisted")
	}

	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("parse REDIS_URL: %w", err)
		}
		rdb := redis.NewClient(opts)
		if err := rdb.Ping(ctx).Err(); err != nil {
			_ = rdb.Close()
			a.Close()
			return nil, fmt.Errorf("ping redis: %w", err)
		}
		instanceID := uuid.NewString()
		a.redis = rdb
		a.relay = monitor.NewRelay(rdb, instanceID, logger.With(zap.String("component", "relay")))
		logger.Info("monitor relay enabled", zap.String("instance", instanceID))
	}

	fanout, err := a.newFanout()
	if err != nil {
		a.Close()
		return nil, err
	}

	warningURL, warningDuration := cfg.WarningAudioURL, cfg.WarningDuration
	if warningURL == "" {
		warningURL = a.synthesizeWarning()
		if len(a.warningAudio) > 0 {
			warningDuration = tts.MP3Duration(a.warningAudio, warningBitrateKbps)
		}
	}

	a.sessions = session.NewManager(session.Config{
		AnalysisEvery:    cfg.AnalysisEvery,
		AudioQueueSize:   cfg.AudioQueueSize,
		DropReportEvery:  cfg.DropReportEvery,
		FinalizeTimeout:  cfg.FinalizeTimeout,
		TaskDrainTimeout: cfg.TaskDrainTimeout,
		HandoverGrace:    cfg.HandoverGrace,
		DispatchTimeout:  cfg.DispatchTimeout,
		WarningAudioURL:  warningURL,
		WarningDuration:  warningDuration,
		MediaStreamURL:   httpapi.MediaStreamURL(cfg.PublicBaseURL),
	}, a.sessionDeps(fanout))

	a.jobs = a.newReconcileJob()
	if a.jobs != nil {
		a.jobs.Start()
	}

	return a, nil
}

// warningBitrateKbps matches the ElevenLabs mp3_44100_128 output format.
const warningBitrateKbps = 128

// synthesizeWarning renders the warning text once and returns the URL the
// router serves it at. It returns "" when synthesis is unavailable, which
// disables in-call warnings.
func (a *App) synthesizeWarning() string {
	if a.cfg.ElevenLabsAPIKey == "" {
		a.logger.Warn("no WARNING_AUDIO_URL or ELEVENLABS_API_KEY, in-call warnings disabled")
		return ""
	}
	client := tts.NewElevenLabsClient(tts.ElevenLabsConfig{
		APIKey:       a.cfg.ElevenLabsAPIKey,
		VoiceID:      a.cfg.ElevenLabsVoiceID,
		OutputFormat: "mp3_44100_128",
		Stability:    -1,
		Similarity:   -1,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	audio, err := client.Synthesize(ctx, a.cfg.WarningText)
	if err != nil {
		a.logger.Error("warning synthesis failed, in-call warnings disabled", zap.Error(err))
		return ""
	}
	a.warningAudio = audio
	a.logger.Info("warning audio synthesized",
		zap.Int("bytes", len(audio)),
		zap.Duration("duration", tts.MP3Duration(audio, warningBitrateKbps)))
	return httpapi.WarningAudioURL(a.cfg.PublicBaseURL)
}

// newReconcileJob returns nil when there is nothing to reconcile.
func (a *App) newReconcileJob() *jobs.ReconcileJob {
	if a.store == nil && a.relay == nil {
		return nil
	}
	var (
		calls  jobs.CallCloser
		events jobs.EventPruner
		index  jobs.ActiveIndex
	)
	if a.store != nil {
		calls = a.store
		events = a.eventLog
	}
	if a.relay != nil {
		index = a.relay
	}
	live := func() []string {
		sessions := a.sessions.Registry().Sessions()
		sids := make([]string, 0, len(sessions))
		for _, s := range sessions {
			sids = append(sids, s.CallSid())
		}
		return sids
	}
	return jobs.NewReconcileJob(calls, events, index, live, jobs.ReconcileConfig{
		StaleAfter: a.cfg.StaleCallAfter,
		Retention:  a.cfg.EventRetention,
	}, a.logger)
}

func (a *App) newFanout() (*notifications.Fanout, error) {
	fanout := notifications.NewFanout(a.logger)

	if sms := notifications.NewSMSClient(notifications.SMSConfig{
		AccountSID:   a.cfg.TwilioAccountSID,
		AuthToken:    a.cfg.TwilioAuthTok,
		SenderNumber: a.cfg.TwilioSMSFrom,
	}, a.logger); sms != nil {
		fanout.Register(notifications.ChannelSMS, sms)
	}

	if wa := notifications.NewWhatsAppClient(notifications.WhatsAppConfig{
		APIKey:        a.cfg.KapsoAPIKey,
		PhoneNumberID: a.cfg.KapsoPhoneNumberID,
	}, a.logger); wa != nil {
		fanout.Register(notifications.ChannelWhatsApp, wa)
	}

	push, err := notifications.NewAPNsClient(notifications.APNsConfig{
		KeyPath:    a.cfg.APNsKeyPath,
		KeyID:      a.cfg.APNsKeyID,
		TeamID:     a.cfg.APNsTeamID,
		BundleID:   a.cfg.APNsBundleID,
		Production: a.cfg.APNsProduction,
	}, a.logger)
	if err != nil {
		return nil, fmt.Errorf("apns: %w", err)
	}
	if push != nil {
		fanout.Register(notifications.ChannelPush, push)
	}

	if a.cfg.DiscordWebhookURL != "" {
		fanout.WithDiscord(notifications.NewDiscord(a.cfg.DiscordWebhookURL, a.logger))
	}
	return fanout, nil
}

// sessionDeps assembles session collaborators. Optional ones stay nil
// interfaces when not configured.
func (a *App) sessionDeps(fanout *notifications.Fanout) session.Deps {
	rt := stt.DefaultRealtimeConfig(a.cfg.OpenAIAPIKey)
	rt.TranscriptionModel = a.cfg.TranscriptionModel
	rt.Language = a.cfg.TranscriptionLanguage
	rt.VADThreshold = a.cfg.VADThreshold
	rt.SilenceMs = a.cfg.VADSilenceMs
	rt.Logger = a.logger.With(zap.String("component", "stt"))

	deps := session.Deps{
		Dialer: stt.RealtimeDialer{Config: rt},
		Analyzer: llm.NewOpenAIAnalyzer(llm.OpenAIConfig{
			APIKey:   a.cfg.OpenAIAPIKey,
			BaseURL:  a.cfg.OpenAIBaseURL,
			Fast:     llm.ModelConfig{Model: a.cfg.FastModel},
			Accurate: llm.ModelConfig{Model: a.cfg.AccurateModel},
			Logger:   a.logger.With(zap.String("component", "llm")),
		}),
		Notifier:    fanout,
		Relay:       a.relay,
		ReportError: reportError,
		Logger:      a.logger,
	}

	if a.store != nil {
		deps.Store = a.store
		deps.Directory = a.store
	}
	if a.eventLog != nil {
		deps.Events = a.eventLog
	}
	if ctl := telephony.NewController(a.cfg.TwilioAccountSID, a.cfg.TwilioAuthTok, a.logger); ctl != nil {
		deps.Warnings = ctl
	}
	return deps
}

func reportError(err error, tags map[string]string) {
	sentry.WithScope(func(scope *sentry.Scope) {
		scope.SetTags(tags)
		sentry.CaptureException(err)
	})
}

func (a *App) Router() http.Handler {
	routerCfg := httpapi.RouterConfig{
		PublicBaseURL:   a.cfg.PublicBaseURL,
		TwilioAuthToken: a.cfg.TwilioAuthTok,
		JWTSecret:       a.cfg.JWTSecret,
		WarningAudio:    a.warningAudio,
	}
	if a.store == nil {
		return httpapi.NewRouter(routerCfg, a.logger, a.sessions, nil, a.relay)
	}
	return httpapi.NewRouter(routerCfg, a.logger, a.sessions, a.store, a.relay)
}

// Shutdown stops accepting calls and waits for live sessions to finalize.
func (a *App) Shutdown(ctx context.Context) {
	a.sessions.Shutdown(ctx)
	if a.jobs != nil {
		a.jobs.Stop()
	}
}

func (a *App) Close() error {
	if a.redis != nil {
		_ = a.redis.Close()
	}
	if a.db != nil {
		a.db.Close()
	}
	return nil
}
