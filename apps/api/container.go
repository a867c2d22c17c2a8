package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"

	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"
	"go.uber.org/dig"

	echoapi "github.com/trezcool/shule/apps/api/echo"
	"github.com/trezcool/shule/core"
	"github.com/trezcool/shule/core/approval"
	"github.com/trezcool/shule/core/audit"
	"github.com/trezcool/shule/core/user"
	"github.com/trezcool/shule/core/version"
	blobsvc "github.com/trezcool/shule/services/blob"
	emailsvc "github.com/trezcool/shule/services/email"
	logsvc "github.com/trezcool/shule/services/logger"
	metricsvc "github.com/trezcool/shule/services/metrics"
	reportsvc "github.com/trezcool/shule/services/report"
	"github.com/trezcool/shule/storage/database"
	dummydb "github.com/trezcool/shule/storage/database/dummy"
	sqlxrepos "github.com/trezcool/shule/storage/database/sqlx"
)

const engineMemory = "memory"

type (
	DBLoggerParam struct {
		dig.In
		Logger core.Logger `name:"dbLogger"`
	}

	// Storage holds the repositories of the selected database engine.
	Storage struct {
		dig.Out
		Closer       io.Closer
		UserRepo     user.Repository
		ApprovalRepo approval.Repository
		AuditRepo    audit.Repository
		VersionRepo  version.Repository
	}

	ServerParams struct {
		dig.In
		Conf        *core.Config
		Logger      core.Logger
		Validate    *validator.Validate
		Translator  ut.Translator
		UserSvc     *user.Service
		ApprovalSvc *approval.Service
		AuditSvc    *audit.Service
		VersionSvc  *version.Service
		Reports     reportsvc.XLSX
		Metrics     *metricsvc.Prometheus
	}

	nopCloser struct{}
)

func (nopCloser) Close() error { return nil }

func newLogger(conf *core.Config) core.Logger {
	zlog := logsvc.NewZerolog(conf, os.Stdout).With().Str("component", "api").Logger()
	logger := logsvc.NewRollbarLogger(zlog, conf)
	logger.Enable(!conf.Debug && conf.RollbarToken != "")
	return logger
}

func newDBLogger(conf *core.Config) core.Logger {
	zlog := logsvc.NewZerolog(conf, os.Stdout).With().Str("component", "db").Caller().Logger()
	logger := logsvc.NewRollbarLogger(zlog, conf)
	logger.Enable(!conf.Debug && conf.RollbarToken != "")
	return logger
}

func newStorage(conf *core.Config, loggerParam DBLoggerParam) Storage {
	if conf.Database.Engine == engineMemory {
		db, _ := dummydb.Open()
		loggerParam.Logger.Warn("using the in-memory database: data is lost on shutdown")
		return Storage{
			Closer:       nopCloser{},
			UserRepo:     dummydb.NewUserRepository(db),
			ApprovalRepo: dummydb.NewApprovalRepository(db),
			AuditRepo:    dummydb.NewAuditRepository(db),
			VersionRepo:  dummydb.NewVersionRepository(db),
		}
	}

	if err := database.CreateIfNotExist(conf); err != nil {
		loggerParam.Logger.Fatal(fmt.Sprintf("creating database: %v", err), err)
	}
	db, err := database.Open(conf)
	if err != nil {
		loggerParam.Logger.Fatal(fmt.Sprintf("opening database: %v", err), err)
	}
	if err = database.Migrate(db.DB); err != nil {
		loggerParam.Logger.Fatal(fmt.Sprintf("migrating database: %v", err), err)
	}
	return Storage{
		Closer:       db,
		UserRepo:     sqlxrepos.NewUserRepository(db),
		ApprovalRepo: sqlxrepos.NewApprovalRepository(db),
		AuditRepo:    sqlxrepos.NewAuditRepository(db),
		VersionRepo:  sqlxrepos.NewVersionRepository(db),
	}
}

func newEmailService(conf *core.Config, logger core.Logger) core.EmailService {
	if conf.Debug || conf.SendgridApiKey == "" {
		return emailsvc.NewConsoleService(conf, logger)
	}
	return emailsvc.NewSendgridService(conf, logger)
}

func newBlobStore(conf *core.Config) (core.BlobStore, error) {
	return blobsvc.New(context.Background(), conf)
}

func newServer(p ServerParams) *echoapi.Server {
	return echoapi.NewServer(echoapi.ServerDeps{
		Conf:        p.Conf,
		Logger:      p.Logger,
		Validate:    p.Validate,
		Translator:  p.Translator,
		UserSvc:     p.UserSvc,
		ApprovalSvc: p.ApprovalSvc,
		AuditSvc:    p.AuditSvc,
		VersionSvc:  p.VersionSvc,
		Reports:     p.Reports,
		Metrics:     p.Metrics,
	})
}

// newContainer returns the dependency injection dig.Container of the API.
func newContainer() *dig.Container {
	c := dig.New()

	must(c.Provide(core.NewConfig))
	must(c.Provide(newLogger))
	must(c.Provide(newDBLogger, dig.Name("dbLogger")))
	must(c.Provide(newStorage))
	must(c.Provide(validator.New))
	must(c.Provide(core.NewTranslator))
	must(c.Provide(newEmailService))
	must(c.Provide(newBlobStore))
	must(c.Provide(metricsvc.NewPrometheus))
	must(c.Provide(func(p *metricsvc.Prometheus) core.Metrics { return p }))
	must(c.Provide(reportsvc.NewXLSX))

	must(c.Provide(user.NewService))
	must(c.Provide(emailsvc.NewNotifier, dig.As(new(core.Notifier))))
	must(c.Provide(audit.NewService))
	must(c.Provide(version.NewService))
	must(c.Provide(approval.NewRoleResolver))
	must(c.Provide(approval.NewService))
	must(c.Provide(newServer))

	return c
}

// must exits program if err happened
func must(err error) {
	if err != nil {
		log.Fatal(errors.Wrap(err, "failed to provide dependency").Error())
	}
}
