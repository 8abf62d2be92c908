package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/afroash/smartband-monitor/internal/client"
	"github.com/afroash/smartband-monitor/internal/config"
	"github.com/afroash/smartband-monitor/internal/emotion"
	"github.com/afroash/smartband-monitor/internal/models"
	"github.com/afroash/smartband-monitor/internal/sensor"
	"github.com/afroash/smartband-monitor/internal/server"
	"github.com/afroash/smartband-monitor/internal/session"
	"github.com/afroash/smartband-monitor/internal/storage"
)

const version = "v0.3.0"

// stateQueue bounds the BLE state changes waiting for the uplink
const stateQueue = 16

func main() {
	configPath := flag.String("config", "configs/band.yaml", "path to config file")
	simulate := flag.Bool("simulate", false, "use a simulated band instead of Bluetooth")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, logCloser, err := cfg.Logging.NewLogger("band")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to set up logging: %v\n", err)
		os.Exit(1)
	}
	defer logCloser.Close()

	logger.Info().
		Str("version", version).
		Str("band_id", cfg.Band.ID).
		Bool("simulate", *simulate).
		Msg("Starting SmartBand client")
	logger.Debug().Str("config", cfg.String()).Msg("Configuration loaded")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	summary, err := run(ctx, cfg, *simulate, logger)
	if err != nil {
		logger.Error().Err(err).Msg("Client failed")
		logCloser.Close()
		os.Exit(1)
	}
	if summary != nil {
		logger.Info().Str("session_id", summary.SessionID).Str("summary", summary.String()).Msg("Session summary")
	}
	logger.Info().Msg("Client stopped")
}

// run wires the client and blocks until ctx is cancelled. It returns the
// summary of the session that was running at shutdown, if any.
func run(ctx context.Context, cfg *config.Config, simulate bool, logger zerolog.Logger) (*models.SessionSummary, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.Storage.DBPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	sqliteStore, err := storage.NewSQLiteStore(cfg.Storage.DBPath, logger)
	if err != nil {
		return nil, err
	}
	defer sqliteStore.Close()

	recorder := storage.NewRecorder(sqliteStore, storage.RecorderConfig{
		DeviceID:    cfg.Band.ID,
		MaxReadings: cfg.Storage.MaxReadings,
		ChannelSize: cfg.Storage.QueueSize,
	}, logger)
	defer recorder.Stop()

	cleaner := storage.NewRetentionCleaner(sqliteStore, storage.RetentionCleanerConfig{
		RetentionDays: cfg.Storage.RetentionDays,
		MaxReadings:   cfg.Storage.MaxReadings,
		CleanupPeriod: cfg.Storage.CleanupPeriod,
	}, logger)
	defer cleaner.Stop()

	monitor, err := sensor.NewMonitor(monitorConfig(cfg), newTransport(cfg, simulate, logger), logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create monitor: %w", err)
	}
	defer monitor.Close()

	var wg sync.WaitGroup
	defer wg.Wait()
	bgCtx, cancelBg := context.WithCancel(ctx)
	defer cancelBg()

	var uplink *client.Uplink
	if cfg.Uplink.URL != "" {
		device := models.NewDeviceInfo(cfg.Band.ID, cfg.Device.Name, cfg.Band.UserID, version)
		uplink = client.NewUplink(client.UplinkConfig{
			URL:                  cfg.Uplink.URL,
			AuthToken:            cfg.Uplink.AuthToken,
			ReconnectInterval:    cfg.Uplink.ReconnectInterval,
			MaxReconnectInterval: cfg.Uplink.MaxReconnectInterval,
			PingInterval:         cfg.Uplink.PingInterval,
			PongTimeout:          cfg.Uplink.PongTimeout,
		}, device, logger)
		defer uplink.Close()
		recorder.SetMirror(uplink)

		wg.Add(2)
		go func() {
			defer wg.Done()
			if err := uplink.Run(bgCtx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Warn().Err(err).Msg("Uplink stopped")
			}
		}()
		states := make(chan sensor.Update, stateQueue)
		go func() {
			defer wg.Done()
			forwardStates(bgCtx, uplink, states, logger)
		}()
		unsubscribe := monitor.Subscribe(func(u sensor.Update) {
			if u.Kind == sensor.UpdateReading {
				return
			}
			select {
			case states <- u:
			default:
				logger.Debug().Str("state", u.State.String()).Msg("State update dropped, uplink queue full")
			}
		})
		defer unsubscribe()
	}

	latest := &emotion.Latest{}
	if cfg.Emotion.BaseURL != "" {
		poller := emotion.NewPoller(emotion.PollerConfig{
			BaseURL:  cfg.Emotion.BaseURL,
			Interval: cfg.Emotion.PollInterval,
			Timeout:  cfg.Emotion.Timeout,
		}, latest, logger)
		wg.Add(1)
		go func() {
			defer wg.Done()
			poller.Run(bgCtx)
		}()
	}

	coordinator := session.NewCoordinator(session.Config{
		UserID:        cfg.Band.UserID,
		BufferSize:    cfg.Session.BufferSize,
		DrainOnFull:   cfg.Session.DrainOnFullEnabled(),
		DrainInterval: cfg.Session.DrainInterval,
		HistorySize:   cfg.Session.HistorySize,
	}, monitor, recorder, logger, session.WithEmotionSource(latest))
	if uplink != nil {
		uplink.ReportPending(coordinator.BufferedCount)
	}

	var liveSrv *http.Server
	var hub *server.LiveHub
	if cfg.Live.Port != 0 {
		hub = server.NewLiveHub(logger, cfg.Live.AllowedOrigins...)
		unsubscribe := monitor.Subscribe(hub.Publish)
		defer unsubscribe()

		mux := http.NewServeMux()
		server.NewSessionAPI(coordinator, logger).Register(mux)
		mux.Handle("/live", hub)
		mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			fmt.Fprintf(w, `{"status":"ok","version":%q,"state":%q}`, version, monitor.State().String())
		})

		liveSrv = &http.Server{
			Addr:              net.JoinHostPort(cfg.Live.Host, strconv.Itoa(cfg.Live.Port)),
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		}
		ln, err := net.Listen("tcp", liveSrv.Addr)
		if err != nil {
			coordinator.Close()
			return nil, fmt.Errorf("failed to listen on %s: %w", liveSrv.Addr, err)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			logger.Info().Str("addr", liveSrv.Addr).Msg("Session API listening")
			if err := liveSrv.Serve(ln); err != nil && err != http.ErrServerClosed {
				logger.Error().Err(err).Msg("Session API failed")
			}
		}()
	}

	if cfg.Session.AutoStartEnabled() {
		coordinator.StartSession()
		logger.Info().Str("session_id", coordinator.SessionID()).Msg("Session started")
	}

	<-ctx.Done()
	logger.Info().Msg("Shutting down client...")

	if liveSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := liveSrv.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("Session API shutdown error")
		}
		cancel()
		hub.Close()
	}

	summary := coordinator.Close()

	// Let queued writes and their mirror messages reach the collector
	recorder.Flush()
	if err := recorder.LastError(); err != nil {
		logger.Warn().Err(err).Msg("Recorder reported an error")
	}
	cancelBg()

	return summary, nil
}

func monitorConfig(cfg *config.Config) sensor.MonitorConfig {
	return sensor.MonitorConfig{
		Device:            deviceConfig(cfg),
		ScanTimeout:       cfg.Device.ScanTimeout,
		ConnectTimeout:    cfg.Device.ConnectTimeout,
		ReconnectInterval: cfg.Device.ReconnectInterval,
		ReconnectDelay:    cfg.Device.ReconnectDelay,
		PowerOnDelay:      cfg.Device.PowerOnDelay,
	}
}

func deviceConfig(cfg *config.Config) sensor.DeviceConfig {
	return sensor.DeviceConfig{
		Name:               cfg.Device.Name,
		ServiceUUID:        cfg.Device.ServiceUUID,
		CharacteristicUUID: cfg.Device.CharacteristicUUID,
	}
}

func newTransport(cfg *config.Config, simulate bool, logger zerolog.Logger) sensor.Transport {
	if !simulate {
		return sensor.NewBluetoothTransport(logger)
	}
	sim := sensor.DefaultSimConfig()
	sim.Device = deviceConfig(cfg)
	sim.Interval = cfg.Device.SimulateInterval
	sim.Seed = uint64(time.Now().UnixNano())
	return sensor.NewSimTransport(sim, logger)
}

// forwardStates reports BLE state changes to the collector until ctx is done
func forwardStates(ctx context.Context, uplink *client.Uplink, states <-chan sensor.Update, logger zerolog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case u := <-states:
			if err := uplink.SendState(u.State, u.Err); err != nil && !errors.Is(err, client.ErrNotConnected) {
				logger.Warn().Err(err).Str("state", u.State.String()).Msg("Failed to report state")
			}
		}
	}
}
