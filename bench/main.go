package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/stepflow/go-stepflow/backend"
	"github.com/stepflow/go-stepflow/backend/cache"
	"github.com/stepflow/go-stepflow/backend/memory"
	"github.com/stepflow/go-stepflow/backend/mysql"
	redisbackend "github.com/stepflow/go-stepflow/backend/redis"
	"github.com/stepflow/go-stepflow/backend/sqlite"
	"github.com/stepflow/go-stepflow/bench/internal"
	"github.com/stepflow/go-stepflow/scheduler"
)

var b = flag.String("backend", "memory", "Backend to use. Supported backends are:\n- memory\n- sqlite\n- mysql\n- redis\n")
var timeout = flag.Duration("timeout", time.Second*30, "Timeout for the benchmark run")
var runs = flag.Int("runs", 1, "Number of workflows to execute concurrently")
var depth = flag.Int("depth", 2, "Number of step layers below the root step")
var fanOut = flag.Int("fanout", 2, "Number of dependents per step")
var join = flag.Bool("join", true, "Add a step depending on every step of the last layer")
var maxParallel = flag.Int("maxparallel", 10, "Maximum number of concurrently executing steps per workflow")
var resultSize = flag.Int("resultsize", 100, "Size of step result payload in bytes")
var format = flag.String("format", "text", "Output format. Supported formats are:\n- text\n- csv\n")
var cacheSize = flag.Int("cachesize", 0, "Size of the state cache in front of the backend, 0 disables the cache")

func main() {
	flag.Parse()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	mm := newMemMetrics()
	opts := []backend.BackendOption{backend.WithLogger(slog.New(slog.DiscardHandler)), backend.WithMetrics(mm)}

	var ba backend.Backend = getBackend(*b, opts...)
	if *cacheSize > 0 {
		ba = cache.NewCachedBackend(ba, *cacheSize, time.Minute)
	}
	defer ba.Close()

	exec, err := internal.Executor()
	if err != nil {
		panic(err)
	}

	s := scheduler.New(exec, ba,
		scheduler.WithMaxParallel(*maxParallel),
		scheduler.WithLogger(slog.New(slog.DiscardHandler)),
		scheduler.WithMetrics(mm),
	)

	in := &internal.Input{
		Depth:            *depth,
		FanOut:           *fanOut,
		Join:             *join,
		PayloadSizeBytes: *resultSize,
	}

	start := time.Now()

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < *runs; i++ {
		def := internal.Definition(fmt.Sprintf("bench-%d", i), in)

		g.Go(func() error {
			if _, err := s.ExecuteWorkflow(gctx, def, nil); err != nil {
				return fmt.Errorf("workflow %s failed: %w", def.ID, err)
			}

			return nil
		})
	}

	if err := g.Wait(); err != nil {
		panic(err)
	}

	end := time.Now()

	switch *format {
	case "text":
		log.Println("Ran", *runs, "workflows in", end.Sub(start).Seconds(), "seconds")
		mm.Print()

	case "csv":
		fmt.Printf(
			"%s,%v,%d,%d,%d,%v,%d,%d\n",
			*b, end.Sub(start).Seconds(), *runs, *depth, *fanOut, *join, *maxParallel, *resultSize)
	}
}

func getBackend(b string, opt ...backend.BackendOption) backend.Backend {
	switch b {
	case "memory":
		return memory.NewMemoryBackend(opt...)

	case "sqlite":
		os.Remove("bench.sqlite")

		return sqlite.NewSqliteBackend("bench.sqlite", sqlite.WithBackendOptions(opt...))

	case "mysql":
		db, err := sql.Open("mysql", fmt.Sprintf("%s:%s@/?parseTime=true&interpolateParams=true", "root", "root"))
		if err != nil {
			panic(err)
		}

		if _, err := db.Exec("DROP DATABASE IF EXISTS bench"); err != nil {
			panic(fmt.Errorf("dropping database: %w", err))
		}

		if _, err := db.Exec("CREATE DATABASE bench"); err != nil {
			panic(fmt.Errorf("creating database: %w", err))
		}

		if err := db.Close(); err != nil {
			panic(err)
		}

		return mysql.NewMysqlBackend("localhost", 3306, "root", "root", "bench", mysql.WithBackendOptions(opt...))

	case "redis":
		rclient := redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs:        []string{"localhost:6379"},
			Username:     "",
			Password:     "RedisPassw0rd",
			DB:           0,
			WriteTimeout: time.Second * 30,
			ReadTimeout:  time.Second * 30,
		})

		rclient.FlushAll(context.Background()).Result()

		rb, err := redisbackend.NewRedisBackend(rclient, redisbackend.WithBackendOptions(opt...))
		if err != nil {
			panic(err)
		}

		return rb

	default:
		panic("unknown backend " + b)
	}
}
