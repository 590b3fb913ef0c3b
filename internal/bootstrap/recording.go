package bootstrap

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/eleven-am/meeting-recorder/internal/capture"
	"github.com/eleven-am/meeting-recorder/internal/events"
	"github.com/eleven-am/meeting-recorder/internal/recording"
	"github.com/eleven-am/meeting-recorder/internal/relay"
	"github.com/eleven-am/meeting-recorder/internal/transport"
	"github.com/eleven-am/meeting-recorder/internal/volume"
	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
)

func ProvideEventHub(lc fx.Lifecycle, logger *slog.Logger) *events.Hub {
	hub := events.NewHub(logger)
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			hub.Close()
			return nil
		},
	})
	return hub
}

// ProvideRelay fans transcripts out to event subscribers and, when Redis is
// configured, to other processes following the session.
func ProvideRelay(lc fx.Lifecycle, hub *events.Hub, client *redis.Client, logger *slog.Logger) *relay.Relay {
	r := relay.New(logger)
	r.AddForwarder(relay.ForwarderFunc(func(f relay.Fragment) {
		hub.Publish(events.TranscriptUpdate(f.SessionID, f.Text))
	}))
	if client != nil {
		r.AddForwarder(relay.NewRedisPublisher(client, logger))
	}
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			r.Close()
			return nil
		},
	})
	return r
}

func ProvideVolumeMonitor(lc fx.Lifecycle, hub *events.Hub, logger *slog.Logger) *volume.Monitor {
	m := volume.NewMonitor(volume.Config{Sink: hub, Log: logger})
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			m.Close()
			return nil
		},
	})
	return m
}

func ProvideCaptureManager(cfg *Config, logger *slog.Logger) *capture.Manager {
	acquirer := capture.NewFFmpegAcquirer(capture.FFmpegConfig{
		Binary:           cfg.FFmpegPath,
		InputFormat:      cfg.FFmpegInputFormat,
		SampleRate:       cfg.SampleRate,
		MicrophoneDevice: cfg.MicrophoneDevice,
		Picker:           capture.StaticPicker(cfg.PickerFallbackSource),
		Log:              logger,
	})
	return capture.NewManager(capture.ManagerConfig{
		Acquirer:   acquirer,
		SampleRate: cfg.SampleRate,
		Log:        logger,
	})
}

// ProvidePeerSource returns nil when remote peer capture is disabled.
func ProvidePeerSource(lc fx.Lifecycle, cfg *Config, logger *slog.Logger) (*capture.PeerSource, error) {
	if !cfg.RTCEnabled {
		return nil, nil
	}

	servers := make([]capture.ICEServer, 0, len(cfg.RTCICEServers))
	for _, s := range cfg.RTCICEServers {
		servers = append(servers, capture.ICEServer{
			URLs:       s.URLs,
			Username:   s.Username,
			Credential: s.Credential,
		})
	}

	peers, err := capture.NewPeerSource(capture.PeerConfig{
		ICEServers: servers,
		PortMin:    cfg.RTCPortMin,
		PortMax:    cfg.RTCPortMax,
		Log:        logger,
	})
	if err != nil {
		return nil, err
	}
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			return peers.Close()
		},
	})
	return peers, nil
}

func ProvideTransportFactory(cfg *Config, r *relay.Relay, logger *slog.Logger) *transport.Factory {
	tokens := transport.StaticToken(cfg.APIToken)
	return &transport.Factory{
		Socket: transport.SocketConfig{
			BaseURL:     cfg.WSBaseURL,
			Tokens:      tokens,
			OpenTimeout: cfg.TransportOpenTimeout,
			Relay:       r,
			Log:         logger,
		},
		HTTP: transport.HTTPConfig{
			BaseURL: cfg.APIBaseURL,
			Tokens:  tokens,
			Client:  &http.Client{Timeout: cfg.UploadTimeout},
			Params: transport.Parameters{
				Model:     cfg.TranscriptionModel,
				Diarize:   cfg.Diarize,
				VADOnset:  cfg.VADOnset,
				VADOffset: cfg.VADOffset,
			},
			SaveToPortal: cfg.SaveToPortal,
			Relay:        r,
			Log:          logger,
		},
	}
}

func ProvideFinalizer(factory *transport.Factory) *transport.Finalizer {
	return transport.NewFinalizer(factory.HTTP)
}

func ProvideStatusStore(client *redis.Client) recording.StatusStore {
	if client == nil {
		return recording.NopStatusStore{}
	}
	return recording.NewRedisStatusStore(client)
}

type RegistryParams struct {
	fx.In

	Config     *Config
	Capture    *capture.Manager
	Peers      *capture.PeerSource
	Transports *transport.Factory
	Finalizer  *transport.Finalizer
	Monitor    *volume.Monitor
	Hub        *events.Hub
	Status     recording.StatusStore
	Logger     *slog.Logger
}

func ProvideRegistry(lc fx.Lifecycle, p RegistryParams) *recording.Registry {
	cfg := recording.Config{
		Capture:           p.Capture,
		Transports:        p.Transports,
		Finalizer:         p.Finalizer,
		Monitor:           p.Monitor,
		Events:            p.Hub,
		Status:            p.Status,
		LowLatencyCadence: p.Config.LowLatencyCadence,
		BufferedCadence:   p.Config.BufferedCadence,
		StopGrace:         p.Config.StopGrace,
		FinalizeTimeout:   p.Config.FinalizeTimeout,
		Log:               p.Logger,
	}
	if p.Peers != nil {
		cfg.Remote = p.Peers
	}

	registry := recording.NewRegistry(cfg)
	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			return registry.Close(ctx)
		},
	})
	return registry
}

var RecordingModule = fx.Options(
	fx.Provide(
		ProvideEventHub,
		ProvideRelay,
		ProvideVolumeMonitor,
		ProvideCaptureManager,
		ProvidePeerSource,
		ProvideTransportFactory,
		ProvideFinalizer,
		ProvideStatusStore,
		ProvideRegistry,
	),
)
