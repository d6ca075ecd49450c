package ws

import (
	"net/http"
	"testing"
	"time"
)

// ---------------------------------------------------------------
// Pre-upgrade handshake deadlines
// ---------------------------------------------------------------

func TestUpgradeServer_HandshakeDeadlines(t *testing.T) {
	cfg := DefaultServerConfig()
	cfg.HandshakeTimeout = 3 * time.Second
	s := NewServer(cfg, nil, nil)

	hs := s.upgradeServer(http.NewServeMux())
	if hs.ReadHeaderTimeout != 3*time.Second {
		t.Errorf("expected header read deadline 3s, got %s", hs.ReadHeaderTimeout)
	}
	if hs.ReadTimeout != 3*time.Second {
		t.Errorf("expected request read deadline 3s, got %s", hs.ReadTimeout)
	}
	if hs.Addr != cfg.ListenAddr {
		t.Errorf("expected addr %q, got %q", cfg.ListenAddr, hs.Addr)
	}
}

func TestUpgradeServer_ZeroTimeoutFallsBack(t *testing.T) {
	cfg := DefaultServerConfig()
	cfg.HandshakeTimeout = 0
	s := NewServer(cfg, nil, nil)

	hs := s.upgradeServer(http.NewServeMux())
	if hs.ReadHeaderTimeout <= 0 {
		t.Fatal("an unset handshake timeout must not leave the header read unbounded")
	}
	if hs.ReadTimeout <= 0 {
		t.Fatal("an unset handshake timeout must not leave the request read unbounded")
	}
}
