package transport

// Factory builds fresh channels for each session from shared settings.
type Factory struct {
	Socket SocketConfig
	HTTP   HTTPConfig
}

func (f *Factory) LowLatency(onDegraded func(error)) Channel {
	cfg := f.Socket
	cfg.OnDegraded = onDegraded
	return NewSocketChannel(cfg)
}

func (f *Factory) Buffered() Channel {
	return NewHTTPChannel(f.HTTP)
}
