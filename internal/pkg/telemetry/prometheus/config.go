package prometheus

type Config struct {
	Enabled bool   `configKey:"enabled" configUsage:"Expose metrics in the Prometheus format."`
	Listen  string `configKey:"listen" configUsage:"Listen address of the metrics HTTP server." validate:"required,hostname_port"`
}

func NewConfig() Config {
	return Config{
		Enabled: true,
		Listen:  "0.0.0.0:9000",
	}
}
