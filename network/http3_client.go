package network

import (
	"crypto/tls"
	"net/http"
	"time"

	"github.com/quic-go/quic-go"
	"github.com/quic-go/quic-go/http3"
)

// newHTTPClient 根据配置创建 HTTP/3 或普通 HTTP 客户端
func newHTTPClient(useHTTP3 bool, timeout time.Duration) *http.Client {
	if !useHTTP3 {
		return &http.Client{Timeout: timeout}
	}
	tlsCfg := &tls.Config{
		MinVersion:         tls.VersionTLS13,
		ClientSessionCache: tls.NewLRUClientSessionCache(32),
		NextProtos:         []string{http3.NextProtoH3},
	}
	tr := &http3.Transport{
		TLSClientConfig: tlsCfg,
		QUICConfig: &quic.Config{
			KeepAlivePeriod: 10 * time.Second,
			MaxIdleTimeout:  time.Minute,
		},
	}
	return &http.Client{Transport: tr, Timeout: timeout}
}
