package controller

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/tnqbao/gau-forge/utils"
)

var (
	errConnectionClosed = errors.New("connection closed")
	errNoDrivesOnline   = errors.New("no drives online")
)

func fmtDrives(online, offline int) string {
	return fmt.Sprintf("%d drives online, %d offline", online, offline)
}

type healthCheck struct {
	Status string `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// Healthz pings every backing service the API depends on. Clients that are not
// configured in this process are skipped.
func (ctrl *Controller) Healthz(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	checks := map[string]healthCheck{}
	healthy := true
	record := func(name string, err error, detail string) {
		if err != nil {
			healthy = false
			checks[name] = healthCheck{Status: "down", Detail: err.Error()}
			return
		}
		checks[name] = healthCheck{Status: "up", Detail: detail}
	}

	if ctrl.Infra.Postgres != nil {
		sqlDB, err := ctrl.Infra.Postgres.DB.DB()
		if err == nil {
			err = sqlDB.PingContext(ctx)
		}
		record("postgres", err, "")
	}
	if ctrl.Infra.Redis != nil {
		record("redis", ctrl.Infra.Redis.Ping(ctx), "")
	}
	if ctrl.Infra.RabbitMQ != nil && ctrl.Infra.RabbitMQ.Connection != nil {
		var err error
		if ctrl.Infra.RabbitMQ.Connection.IsClosed() {
			err = errConnectionClosed
		}
		record("rabbitmq", err, "")
	}
	if ctrl.Infra.Minio != nil {
		online, offline, err := ctrl.Infra.Minio.Health(ctx)
		if err == nil && online == 0 {
			err = errNoDrivesOnline
		}
		record("minio", err, fmtDrives(online, offline))
	}

	body := gin.H{"status": "ok", "checks": checks}
	if !healthy {
		body["status"] = "degraded"
		utils.JSON503(c, body)
		return
	}
	utils.JSON200(c, body)
}
