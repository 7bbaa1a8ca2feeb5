package suppression

import (
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestNew(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	tests := []struct {
		name    string
		cfg     Config
		rdb     *redis.Client
		wantErr bool
	}{
		{name: "default", cfg: Config{}},
		{name: "redis", cfg: Config{Type: "redis"}, rdb: rdb},
		{name: "redis without client", cfg: Config{Type: "redis"}, wantErr: true},
		{name: "postgres without db", cfg: Config{Type: "postgres"}, wantErr: true},
		{name: "unknown", cfg: Config{Type: "mongo"}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := New(tt.cfg, tt.rdb, nil)
			if (err != nil) != tt.wantErr {
				t.Fatalf("New() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && s == nil {
				t.Error("expected a store")
			}
		})
	}
}
