// Command sessionctl inspects and edits agent conversation sessions stored in
// MongoDB.
//
// # Usage
//
//	sessionctl [-config FILE] [-debug] COMMAND [FLAGS]
//
// Every command prints JSON on stdout. Run sessionctl without arguments to
// list the commands.
//
// # Configuration
//
// The optional YAML file given with -config may set:
//
//	mongo:
//	  uri: mongodb://localhost:27017/?replicaSet=rs0
//	  database: sessions
//	  timeout: 5s
//	redis:
//	  addr: localhost:6379
//	  publish_rate: 50
//	log:
//	  format: json
//
// Environment variables override the file:
//
//	SESSIONS_MONGO_URI       - MongoDB connection string
//	SESSIONS_MONGO_DATABASE  - Database name (default: "sessions")
//	SESSIONS_MONGO_TIMEOUT   - Per operation timeout (default: "5s")
//	SESSIONS_REDIS_ADDR      - Redis address, enables the event feed and tail
//	SESSIONS_REDIS_PASSWORD  - Redis password (optional)
//	SESSIONS_REDIS_DB        - Redis database (default: 0)
//	SESSIONS_FEED_RATE       - Maximum published events per second (default: unlimited)
//	SESSIONS_FEED_BURST      - Feed burst size (default: 1)
//	SESSIONS_LOG_FORMAT      - "json" or "terminal"
//	SESSIONS_DEBUG           - Enable debug logs
//
// # Example
//
//	sessionctl create -app support -user alice -state '{"user:lang":"en"}'
//	sessionctl append -app support -user alice -id <id> -author user -text hello
//	sessionctl get -app support -user alice -id <id> -recent 10
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"goa.design/clue/log"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	feedpulse "goa.design/agent-sessions/features/feed/pulse"
	clientspulse "goa.design/agent-sessions/features/feed/pulse/clients/pulse"
	sessionmongo "goa.design/agent-sessions/features/session/mongo"
	clientsmongo "goa.design/agent-sessions/features/session/mongo/clients/mongo"
	"goa.design/agent-sessions/runtime/session"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := run(ctx, os.Args[1:], os.Stdout)
	stop()
	if err != nil {
		if !errors.Is(err, errUsage) {
			fmt.Fprintln(os.Stderr, err)
		}
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("sessionctl", flag.ContinueOnError)
	var (
		configF = fs.String("config", "", "YAML configuration file")
		dbgF    = fs.Bool("debug", false, "Enable debug logs")
	)
	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), "usage: sessionctl [-config FILE] [-debug] COMMAND [FLAGS]\n\nflags:\n")
		fs.PrintDefaults()
		fmt.Fprintf(fs.Output(), "\ncommands:\n%s", commandUsage())
	}
	if err := fs.Parse(args); err != nil {
		return errUsage
	}
	if fs.NArg() == 0 {
		fs.Usage()
		return errUsage
	}

	cfg, err := loadConfig(*configF)
	if err != nil {
		return err
	}
	if *dbgF {
		cfg.Log.Debug = true
	}
	ctx = logContext(ctx, cfg.Log)

	mc, err := mongodriver.Connect(options.Client().ApplyURI(cfg.Mongo.URI))
	if err != nil {
		return fmt.Errorf("connect to mongo: %w", err)
	}
	defer func() {
		if err := mc.Disconnect(context.WithoutCancel(ctx)); err != nil {
			log.Errorf(ctx, err, "disconnect mongo")
		}
	}()

	var (
		svcOpts []session.Option
		sub     *feedpulse.Subscriber
	)
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer func() {
			if err := rdb.Close(); err != nil {
				log.Errorf(ctx, err, "close redis")
			}
		}()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("connect to redis: %w", err)
		}
		pc, err := clientspulse.New(clientspulse.Options{
			Redis:   rdb,
			MaxLen:  cfg.Redis.StreamMaxLen,
			Timeout: cfg.Redis.Timeout,
		})
		if err != nil {
			return err
		}
		feed, err := feedpulse.New(feedpulse.Options{
			Client:    pc,
			PerSecond: cfg.Redis.PublishRate,
			Burst:     cfg.Redis.PublishBurst,
		})
		if err != nil {
			return err
		}
		svcOpts = append(svcOpts, session.WithFeed(feed))
		if sub, err = feedpulse.NewSubscriber(feedpulse.SubscriberOptions{Client: pc}); err != nil {
			return err
		}
		log.Debugf(ctx, "event feed enabled on %s", cfg.Redis.Addr)
	}

	store, err := sessionmongo.NewStoreFromMongo(clientsmongo.Options{
		Client:               mc,
		Database:             cfg.Mongo.Database,
		SessionsCollection:   cfg.Mongo.SessionsCollection,
		EventsCollection:     cfg.Mongo.EventsCollection,
		AppStatesCollection:  cfg.Mongo.AppStatesCollection,
		UserStatesCollection: cfg.Mongo.UserStatesCollection,
		Timeout:              cfg.Mongo.Timeout,
	}, svcOpts...)
	if err != nil {
		return fmt.Errorf("open session store: %w", err)
	}

	a := &app{svc: store.Service, pinger: store, sub: sub, out: stdout}
	return a.dispatch(ctx, fs.Arg(0), fs.Args()[1:])
}

// logContext configures the Clue logger carried by ctx.
func logContext(ctx context.Context, cfg logConfig) context.Context {
	format := log.FormatJSON
	if cfg.Format == "terminal" || (cfg.Format == "" && log.IsTerminal()) {
		format = log.FormatTerminal
	}
	ctx = log.Context(ctx, log.WithFormat(format), log.WithOutput(os.Stderr))
	if cfg.Debug {
		ctx = log.Context(ctx, log.WithDebug())
		log.Debugf(ctx, "debug logs enabled")
	}
	return ctx
}
