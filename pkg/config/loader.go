package config

import (
	"errors"
	"fmt"
	"reflect"
	"sync"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

var (
	dotenvOnce sync.Once

	cacheMu sync.RWMutex
	cache   = make(map[string]any)
)

// Load populates the configuration struct from environment variables,
// loading a local .env file first if one exists. Each configuration type is
// parsed exactly once per process; later calls return the cached value so
// every component sees the same settings.
//
// Example:
//
//	type PaddleConfig struct {
//		APIKey string `env:"PADDLE_API_KEY,required"`
//	}
//
//	var cfg PaddleConfig
//	if err := config.Load(&cfg); err != nil { ... }
func Load[T any](v *T) error {
	if v == nil {
		return ErrNilPointer
	}

	dotenvOnce.Do(func() {
		// Missing .env is fine; real environments set variables directly.
		_ = godotenv.Load()
	})

	key := typeKey[T]()

	cacheMu.RLock()
	cached, ok := cache[key]
	cacheMu.RUnlock()
	if ok {
		*v = cached.(T)
		return nil
	}

	cacheMu.Lock()
	defer cacheMu.Unlock()

	// Another goroutine may have parsed it while we waited for the lock.
	if cached, ok := cache[key]; ok {
		*v = cached.(T)
		return nil
	}

	if err := env.Parse(v); err != nil {
		return errors.Join(ErrParsingConfig, err)
	}
	cache[key] = *v
	return nil
}

// MustLoad is Load for configuration the application cannot start without.
func MustLoad[T any](v *T) {
	if err := Load(v); err != nil {
		panic(fmt.Sprintf("failed to load required configuration: %v", err))
	}
}

func typeKey[T any]() string {
	var zero T
	if t := reflect.TypeOf(zero); t != nil {
		return t.String()
	}
	return fmt.Sprintf("%T", *new(T))
}
