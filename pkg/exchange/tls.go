package exchange

import (
	"crypto/tls"
)

// clientTLSConfig derives the per-exchange TLS configuration from base.
func clientTLSConfig(base *tls.Config, host string) *tls.Config {
	var conf *tls.Config
	if base != nil {
		conf = base.Clone()
	} else {
		conf = &tls.Config{}
	}

	if conf.MinVersion == 0 {
		// The relay terminates TLS 1.2 and 1.3.
		conf.MinVersion = tls.VersionTLS12
	}
	if conf.ServerName == "" {
		conf.ServerName = host
	}
	if len(conf.NextProtos) == 0 {
		conf.NextProtos = []string{"http/1.1"}
	}
	return conf
}
