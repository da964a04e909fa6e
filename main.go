package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/deemkeen/snacpub/activitypub"
	"github.com/deemkeen/snacpub/db"
	"github.com/deemkeen/snacpub/domain"
	"github.com/deemkeen/snacpub/util"
	"github.com/deemkeen/snacpub/web"
	_ "github.com/joho/godotenv/autoload"
	"github.com/urfave/cli/v2"
	"golang.org/x/crypto/bcrypt"
)

func main() {
	app := &cli.App{
		Name:    util.Name,
		Usage:   "a small ActivityPub server",
		Version: util.GetVersion(),
		Commands: []*cli.Command{
			{
				Name:   "httpd",
				Usage:  "serve HTTP and deliver queued messages",
				Action: httpd,
			},
			{
				Name:  "adduser",
				Usage: "create a local account",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "uid", Required: true},
					&cli.StringFlag{Name: "name"},
					&cli.StringFlag{Name: "bio"},
					&cli.StringFlag{
						Name:     "password",
						EnvVars:  []string{util.EnvPrefix + "PASSWORD"},
						Required: true,
					},
				},
				Action: adduser,
			},
			{
				Name:   "purge",
				Usage:  "drop timeline entries older than the purge horizon",
				Action: purge,
			},
			{
				Name:   "queue",
				Usage:  "deliver whatever is due once and exit",
				Action: processQueue,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatalln(err)
	}
}

func setup() (*util.AppConfig, *db.DB, error) {
	conf, err := util.ReadConf()
	if err != nil {
		return nil, nil, err
	}
	util.SetDebugLevel(conf.Conf.DebugLevel)
	util.Debugf(1, "Configuration: %s", util.PrettyPrint(conf))

	log.Println("Opening database...")
	database, err := db.Open(util.ResolveFilePath(conf.Conf.DbPath))
	if err != nil {
		return nil, nil, err
	}
	return conf, database, nil
}

type engine struct {
	queue    *activitypub.Queue
	composer *activitypub.Composer
	inbox    *activitypub.Processor
}

func newEngine(conf *util.AppConfig, database *db.DB) (*engine, error) {
	client := activitypub.NewHTTPClient(conf)
	dir, err := activitypub.NewDirectory(database, client, conf, nil)
	if err != nil {
		return nil, err
	}
	queue := activitypub.NewQueue(database, dir, client, conf, nil)
	resolver := activitypub.NewWebfingerResolver(database, client, conf.Conf.Host)
	composer := activitypub.NewComposer(database, dir, queue, resolver, conf, nil)
	return &engine{
		queue:    queue,
		composer: composer,
		inbox:    activitypub.NewProcessor(database, dir, composer, conf, nil),
	}, nil
}

func httpd(c *cli.Context) error {
	conf, database, err := setup()
	if err != nil {
		return err
	}
	defer database.Close()

	e, err := newEngine(conf, database)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	e.queue.StartDeliveryWorker(ctx, conf.PollInterval())
	activitypub.StartPurgeWorker(ctx, database, conf.PurgeHorizon())

	srv := web.NewServer(conf, database, e.inbox, e.composer, e.queue)
	return srv.Run(ctx)
}

func adduser(c *cli.Context) error {
	conf, database, err := setup()
	if err != nil {
		return err
	}
	defer database.Close()

	hash, err := bcrypt.GenerateFromPassword([]byte(c.String("password")), bcrypt.DefaultCost)
	if err != nil {
		return err
	}
	keys := util.GeneratePemKeypair()

	uid := c.String("uid")
	acc := &domain.Account{
		Uid:           uid,
		ActorID:       conf.BaseURL() + "/" + uid,
		Name:          c.String("name"),
		Bio:           c.String("bio"),
		PasswordHash:  string(hash),
		PublicKeyPem:  keys.Public,
		PrivateKeyPem: keys.Private,
		CreatedAt:     time.Now(),
	}
	if err := database.CreateAccount(acc); err != nil {
		return fmt.Errorf("creating %s: %w", uid, err)
	}
	fmt.Printf("Created %s (@%s@%s)\n", acc.ActorID, uid, conf.Conf.Host)
	return nil
}

func purge(c *cli.Context) error {
	conf, database, err := setup()
	if err != nil {
		return err
	}
	defer database.Close()

	n, err := activitypub.PurgeTimelines(database, conf.PurgeHorizon(), time.Now())
	if err != nil {
		return err
	}
	fmt.Printf("Purged %d timeline entries\n", n)
	return nil
}

func processQueue(c *cli.Context) error {
	conf, database, err := setup()
	if err != nil {
		return err
	}
	defer database.Close()

	e, err := newEngine(conf, database)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(c.Context, 5*time.Minute)
	defer cancel()

	n, err := e.queue.Process(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("Processed %d queued deliveries\n", n)
	return nil
}
