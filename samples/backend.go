package samples

import (
	"flag"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/stepflow/go-stepflow/backend"
	"github.com/stepflow/go-stepflow/backend/file"
	"github.com/stepflow/go-stepflow/backend/memory"
	"github.com/stepflow/go-stepflow/backend/mysql"
	"github.com/stepflow/go-stepflow/backend/postgres"
	redisbackend "github.com/stepflow/go-stepflow/backend/redis"
	"github.com/stepflow/go-stepflow/backend/sqlite"
)

func GetBackend(name string, opt ...backend.BackendOption) backend.Backend {
	b := flag.String("backend", "memory", "backend to use: memory, file, sqlite, mysql, postgres, redis")
	flag.Parse()

	switch *b {
	case "memory":
		return memory.NewMemoryBackend(opt...)

	case "file":
		fb, err := file.NewFileBackend(file.WithDirectory(".workflow_state/"+name), file.WithBackendOptions(opt...))
		if err != nil {
			panic(err)
		}

		return fb

	case "sqlite":
		return sqlite.NewSqliteBackend(name+".sqlite", sqlite.WithBackendOptions(opt...))

	case "mysql":
		return mysql.NewMysqlBackend("localhost", 3306, "root", "root", name, mysql.WithBackendOptions(opt...))

	case "postgres":
		return postgres.NewPostgresBackend("localhost", 5432, "root", "root", name,
			postgres.WithNotifications(true),
			postgres.WithBackendOptions(opt...),
		)

	case "redis":
		rclient := redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs:        []string{"localhost:6379"},
			Username:     "",
			Password:     "RedisPassw0rd",
			DB:           0,
			WriteTimeout: time.Second * 30,
			ReadTimeout:  time.Second * 30,
		})

		rb, err := redisbackend.NewRedisBackend(rclient, redisbackend.WithBackendOptions(opt...))
		if err != nil {
			panic(err)
		}

		return rb

	default:
		panic("unknown backend " + *b)
	}
}
