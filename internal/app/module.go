package app

import (
	"time"

	"github.com/agencykit/tokenmeter/internal/app/api/server"
	"github.com/agencykit/tokenmeter/internal/app/service/catalog"
	"github.com/agencykit/tokenmeter/internal/app/service/ledger"
	"github.com/agencykit/tokenmeter/internal/app/service/metering"
	"github.com/agencykit/tokenmeter/internal/app/service/planchange"
	"github.com/agencykit/tokenmeter/internal/app/service/rollover"
	"github.com/agencykit/tokenmeter/internal/app/service/statistics"
	"github.com/agencykit/tokenmeter/internal/platform/db"
	"github.com/agencykit/tokenmeter/internal/platform/invoicing"
	"github.com/agencykit/tokenmeter/pkg/config"
	"github.com/agencykit/tokenmeter/pkg/logger"

	"go.uber.org/fx"
)

const (
	DefaultStartTimeout = 15 * time.Second
	DefaultStopTimeout  = 10 * time.Second
)

var Module = fx.Options(
	logger.Module,
	config.Module,
	db.Module,
	invoicing.Module,
	server.Module,
	catalog.Module,
	ledger.Module,
	metering.Module,
	planchange.Module,
	rollover.Module,
	statistics.Module,
)
