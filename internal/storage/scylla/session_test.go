package scylla

import "testing"

func TestConnect_RequiresHosts(t *testing.T) {
	_, err := Connect(Config{Keyspace: "thorium"})
	if err == nil {
		t.Fatal("expected error when no hosts are configured")
	}
}

func TestSession_Keyspace(t *testing.T) {
	s := &Session{keyspace: "thorium_test"}
	if s.Keyspace() != "thorium_test" {
		t.Errorf("Keyspace() = %q, want thorium_test", s.Keyspace())
	}
}
