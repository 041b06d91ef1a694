package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/ngandimoun/minato-payments/internal/clock"
	"github.com/ngandimoun/minato-payments/internal/config"
	"github.com/ngandimoun/minato-payments/internal/credit"
	"github.com/ngandimoun/minato-payments/internal/deadletter"
	"github.com/ngandimoun/minato-payments/internal/lock"
	"github.com/ngandimoun/minato-payments/internal/migration"
	"github.com/ngandimoun/minato-payments/internal/notification"
	"github.com/ngandimoun/minato-payments/internal/observability"
	"github.com/ngandimoun/minato-payments/internal/payment"
	"github.com/ngandimoun/minato-payments/internal/paymentlink"
	"github.com/ngandimoun/minato-payments/internal/sale"
	"github.com/ngandimoun/minato-payments/internal/seller"
	"github.com/ngandimoun/minato-payments/internal/server"
	"github.com/ngandimoun/minato-payments/internal/stripe"
	"github.com/ngandimoun/minato-payments/internal/subscription"
	"github.com/ngandimoun/minato-payments/internal/user"
	"github.com/ngandimoun/minato-payments/pkg/db"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		// Core infrastructure
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		lock.Module,
		migration.Module,

		// Outbound Stripe gateway
		stripe.Module,

		// Functional domains
		user.Module,
		notification.Module,
		credit.Module,
		subscription.Module,
		sale.Module,
		seller.Module,
		paymentlink.Module,
		deadletter.Module,
		payment.Module,

		server.Module,
	)
	app.Run()
}

func RegisterSnowflake() *snowflake.Node {
	node, err := snowflake.NewNode(1)
	if err != nil {
		panic(err)
	}
	return node
}
