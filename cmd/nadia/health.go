package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/nadia-hitl/nadia/internal/config"
	"github.com/nadia-hitl/nadia/internal/kvstore"
	"github.com/nadia-hitl/nadia/internal/persistence/postgres"
)

const probeTimeout = 5 * time.Second

// expectedKeyTypes lists the durable structures and the Redis type each
// must have. A wrong type means another application shares the database.
var expectedKeyTypes = map[string]string{
	kvstore.KeyWAL:         "list",
	kvstore.KeyReviewQueue: "zset",
	kvstore.KeyOutbound:    "list",
	kvstore.KeyBuffers:     "hash",
	kvstore.KeyTypingState: "hash",
}

// runHealth probes each external dependency and prints one line per
// check. Non-zero exit when anything is down.
func runHealth(cmd *cobra.Command, _ []string) error {
	cfg, err := config.FromEnv()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 4*probeTimeout)
	defer cancel()

	ok := true
	kv, err := kvstore.Open(cfg.RedisURL)
	if err != nil {
		ok = report("redis", 0, err)
	} else {
		defer kv.Close()
		d, err := probeRedis(ctx, kv)
		ok = report("redis", d, err) && ok
		if err == nil {
			var markers int
			d, markers, err = probeKeyspace(ctx, kv)
			ok = report("keyspace", d, err) && ok
			if err == nil && markers > 0 {
				fmt.Printf("%-10s %d delivery marker(s) in flight\n", "", markers)
			}
		}
	}

	d, err := probePostgres(ctx, cfg.DatabaseURL)
	ok = report("postgres", d, err) && ok
	d, err = probeBridge(ctx, cfg.Platform.BridgeURL)
	ok = report("bridge", d, err) && ok

	fmt.Printf("%-10s %s/%s (draft), %s/%s (refine)\n",
		"llm", cfg.LLM1.Provider, cfg.LLM1.Model, cfg.LLM2.Provider, cfg.LLM2.Model)

	if !ok {
		return errors.New("one or more dependencies are down")
	}
	return nil
}

func report(name string, d time.Duration, err error) bool {
	if err != nil {
		fmt.Printf("%-10s FAIL  %v\n", name, err)
		return false
	}
	fmt.Printf("%-10s ok    %s\n", name, d.Round(time.Millisecond))
	return true
}

func probeRedis(ctx context.Context, kv *kvstore.Store) (time.Duration, error) {
	start := time.Now()
	pctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	if err := kv.Ping(pctx); err != nil {
		return 0, err
	}
	return time.Since(start), nil
}

// probeKeyspace verifies the durable structures have their expected
// types and counts deliveries currently in flight.
func probeKeyspace(ctx context.Context, kv *kvstore.Store) (time.Duration, int, error) {
	start := time.Now()
	pctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	for key, want := range expectedKeyTypes {
		got, err := kv.KeyType(pctx, key)
		if err != nil {
			return 0, 0, err
		}
		if got != "none" && got != want {
			return 0, 0, fmt.Errorf("key %s holds a %s, want %s", key, got, want)
		}
	}
	markers, err := kv.ScanKeys(pctx, "nadia:delivering:*", 100)
	if err != nil {
		return 0, 0, err
	}
	return time.Since(start), len(markers), nil
}

func probePostgres(ctx context.Context, url string) (time.Duration, error) {
	start := time.Now()
	pctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	db, err := postgres.Connect(pctx, url)
	if err != nil {
		return 0, err
	}
	db.Close()
	return time.Since(start), nil
}

func probeBridge(ctx context.Context, baseURL string) (time.Duration, error) {
	start := time.Now()
	pctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(pctx, http.MethodGet, baseURL+"/health", nil)
	if err != nil {
		return 0, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return 0, err
	}
	resp.Body.Close()
	if resp.StatusCode >= http.StatusInternalServerError {
		return 0, fmt.Errorf("bridge returned %s", resp.Status)
	}
	return time.Since(start), nil
}
