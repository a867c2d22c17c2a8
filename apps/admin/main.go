package main

import (
	"context"
	"fmt"
	"os"

	"github.com/go-playground/validator/v10"

	"github.com/trezcool/shule/core"
	"github.com/trezcool/shule/core/approval"
	"github.com/trezcool/shule/core/audit"
	"github.com/trezcool/shule/core/user"
	"github.com/trezcool/shule/core/version"
	blobsvc "github.com/trezcool/shule/services/blob"
	emailsvc "github.com/trezcool/shule/services/email"
	logsvc "github.com/trezcool/shule/services/logger"
	"github.com/trezcool/shule/storage/database"
	sqlxrepos "github.com/trezcool/shule/storage/database/sqlx"
)

func main() {
	conf := core.NewConfig()
	logger := logsvc.NewZeroLogger(logsvc.NewZerolog(conf, os.Stderr).With().Str("component", "admin").Logger())

	// set up DB
	db, err := database.Open(conf)
	if err != nil {
		logger.Fatal(fmt.Sprintf("opening database: %v", err), err)
	}
	defer db.Close()
	if err = db.Ping(); err != nil {
		logger.Fatal(fmt.Sprintf("pinging database: %v", err), err)
	}

	blobs, err := blobsvc.New(context.Background(), conf)
	if err != nil {
		logger.Fatal(fmt.Sprintf("opening blob store: %v", err), err)
	}

	validate := validator.New()
	translator := core.NewTranslator()
	core.InitValidators(validate, translator)
	user.InitValidators(validate, translator)
	user.LoadCommonPasswords(conf, logger)

	// set up services
	metrics := core.NewNopMetrics()
	usrSvc := user.NewService(sqlxrepos.NewUserRepository(db))
	notifier := emailsvc.NewNotifier(usrSvc, emailsvc.NewConsoleService(conf, logger))
	auditSvc := audit.NewService(conf, logger, sqlxrepos.NewAuditRepository(db), notifier, metrics)
	versionSvc := version.NewService(sqlxrepos.NewVersionRepository(db), auditSvc, metrics)
	approvalSvc := approval.NewService(
		conf,
		logger,
		sqlxrepos.NewApprovalRepository(db),
		usrSvc,
		auditSvc,
		versionSvc,
		approval.NewRoleResolver(usrSvc),
		notifier,
		blobs,
		metrics,
	)

	// start CLI
	cli := commandLine{
		db:          db.DB,
		out:         os.Stdout,
		validate:    validate,
		usrSvc:      usrSvc,
		auditSvc:    auditSvc,
		approvalSvc: approvalSvc,
	}
	if err := cli.run(os.Args); err != nil {
		if err != errHelp {
			logger.Error(fmt.Sprintf("error: %s", err), err)
		}
		db.Close()
		os.Exit(1)
	}
}
