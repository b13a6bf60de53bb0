package main

import (
	"log"
	"os"

	"github.com/jmoiron/sqlx"

	"github.com/trezcool/daftari/core"
	"github.com/trezcool/daftari/core/workbook"
	emailsvc "github.com/trezcool/daftari/services/email"
	logsvc "github.com/trezcool/daftari/services/logger"
	"github.com/trezcool/daftari/storage/database"
	sqlxrepos "github.com/trezcool/daftari/storage/database/sqlx"
)

var logger *log.Logger

func main() {
	defer os.Exit(0)

	logger = log.New(os.Stdout, "ADMIN : ", log.LstdFlags|log.Lmicroseconds|log.Lshortfile)

	conf := core.NewConfig()

	appLogger := logsvc.NewRollbarLogger(logger, conf)
	appLogger.Enable(!conf.Debug)

	// set up DB
	db, err := database.Open(conf)
	errAndDie(err)
	defer func() { _ = db.Close() }()
	errAndDie(db.Ping())
	sqlxDB := sqlx.NewDb(db, conf.Database.Engine)

	wbRepo := sqlxrepos.NewWorkbookRepository(sqlxDB)

	// start CLI
	cli := commandLine{
		db:          db,
		usrRepo:     sqlxrepos.NewUserRepository(sqlxDB),
		wbRepo:      wbRepo,
		distributor: workbook.NewDistributor(wbRepo, nil, emailsvc.NewConsoleService(conf), appLogger, conf),
	}
	if err := cli.run(os.Args); err != nil {
		if err != errHelp {
			logger.Printf("\nerror: %s\n", err)
		}
		os.Exit(1)
	}
}

func errAndDie(err error) {
	if err != nil {
		logger.Fatal(err)
	}
}
