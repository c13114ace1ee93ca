/*
 * This file is part of Margay.
 *
 * Margay is free software: you can redistribute it and/or modify
 * it under the terms of the GNU General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * Margay is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU General Public License for more details.
 *
 * You should have received a copy of the GNU General Public License
 * along with Margay.  If not, see <http://www.gnu.org/licenses/>.
 */

package server

import (
	"encoding/json"
	"time"

	"margay/collector"
	"margay/config"
	"margay/database"
	"margay/log"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
	"github.com/valyala/fasthttp"
)

const bearerPrefix = "Bearer "

var (
	metricsRegistry  *prometheus.Registry
	metricsCollector *collector.Collector
)

// startMetrics Operator-facing side listener; never exposed to clients
func startMetrics() {
	metricsCollector = collector.NewCollector()
	metricsRegistry = prometheus.NewRegistry()
	metricsRegistry.MustRegister(metricsCollector)

	addr, _ := config.Get("metrics_addr", ":34001")

	log.Info.Printf("Serving metrics on %s", addr)

	err := fasthttp.ListenAndServe(addr, func(ctx *fasthttp.RequestCtx) {
		switch string(ctx.Path()) {
		case "/metrics":
			metrics(ctx, tracker.db)
		case "/alive":
			alive(ctx)
		default:
			ctx.SetStatusCode(fasthttp.StatusNotFound)
		}
	})
	if err != nil {
		log.Error.Printf("Metrics listener failed: %s", err)
	}
}

func metrics(ctx *fasthttp.RequestCtx, db *database.Database) {
	peers := 0

	db.TorrentsMutex.Lock()
	torrents := len(db.Torrents)

	for _, t := range db.Torrents {
		peers += len(t.Leechers) + len(t.Seeders)
	}
	db.TorrentsMutex.Unlock()

	db.UsersMutex.RLock()
	users := len(db.Users)
	db.UsersMutex.RUnlock()

	collector.UpdateUptime(time.Since(tracker.startTime).Seconds())
	collector.UpdateUsers(users)
	collector.UpdateTorrents(torrents)
	collector.UpdatePeers(peers)
	collector.UpdateRequests(tracker.requests.Load())

	for kind := database.RecordUsers; kind <= database.RecordTokens; kind++ {
		collector.UpdateQueueLen(kind.String(), db.QueueLen(kind))
	}

	mfs, _ := metricsRegistry.Gather()

	for _, mf := range mfs {
		if _, err := expfmt.MetricFamilyToText(ctx, mf); err != nil {
			log.Error.Printf("Error in converting metrics to text: %s", err)
			return
		}
	}

	auth := string(ctx.Request.Header.Peek("Authorization"))
	adminToken, _ := config.Get("admin_token", "")

	n := len(bearerPrefix)
	if adminToken != "" && len(auth) > n && auth[:n] == bearerPrefix && auth[n:] == adminToken {
		mfs, _ = prometheus.DefaultGatherer.Gather()

		for _, mf := range mfs {
			if _, err := expfmt.MetricFamilyToText(ctx, mf); err != nil {
				log.Error.Printf("Error in converting metrics to text: %s", err)
				return
			}
		}
	}
}

func alive(ctx *fasthttp.RequestCtx) {
	type response struct {
		Now    int64 `json:"now"`
		Uptime int64 `json:"uptime"`
	}

	res, err := json.Marshal(response{time.Now().UnixMilli(), time.Since(tracker.startTime).Milliseconds()})
	if err != nil {
		ctx.SetStatusCode(fasthttp.StatusInternalServerError)
		return
	}

	ctx.SetContentType("application/json")
	ctx.SetBody(res)
}
