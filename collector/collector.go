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

package collector

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type Collector struct {
	uptimeMetric   *prometheus.Desc
	usersMetric    *prometheus.Desc
	torrentsMetric *prometheus.Desc
	peersMetric    *prometheus.Desc
	requestsMetric *prometheus.Desc

	deadlockTimeMetric    *prometheus.Desc
	deadlockCountMetric   *prometheus.Desc
	deadlockAbortedMetric *prometheus.Desc
	sqlErrorCountMetric   *prometheus.Desc

	queueLenGauge *prometheus.GaugeVec

	loadTimeSummary  *prometheus.HistogramVec
	flushTimeSummary *prometheus.HistogramVec

	reapPeersTimeHistogram prometheus.Histogram
}

var (
	users    int
	torrents int
	peers    int
	uptime   float64
	requests uint64

	deadlockTime    = time.Duration(0)
	deadlockCount   = 0
	deadlockAborted = 0
	sqlErrorCount   = 0
)

var (
	loadTime = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "margay_load_seconds",
		Help:    "Histogram of the time taken to load data from database",
		Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1},
	}, []string{"type"})
	flushTime = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "margay_flush_seconds",
		Help:    "Histogram of the time taken to execute a bulk statement against database",
		Buckets: []float64{.01, .025, .05, .1, .25, .5, 1, 1.5, 2, 5},
	}, []string{"type"})
	reapPeersTime = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "margay_reap_peers_seconds",
		Help:    "Histogram of the time taken to reap stale peers from memory",
		Buckets: []float64{.01, .05, .1, .15, .25, .35, .5, .75, 1, 1.25, 1.5, 1.75, 2.5, 5},
	})
	queueLen = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "margay_flush_queue_len",
		Help: "Pending bulk statements per record kind",
	}, []string{"type"})
)

func NewCollector() *Collector {
	return &Collector{
		uptimeMetric: prometheus.NewDesc("margay_uptime",
			"System uptime in seconds", nil, nil),
		usersMetric: prometheus.NewDesc("margay_users",
			"Number of active users in database", nil, nil),
		torrentsMetric: prometheus.NewDesc("margay_torrents",
			"Number of torrents currently being tracked", nil, nil),
		peersMetric: prometheus.NewDesc("margay_peers",
			"Number of peers currently being tracked", nil, nil),
		requestsMetric: prometheus.NewDesc("margay_requests",
			"Number of requests received", nil, nil),

		deadlockCountMetric: prometheus.NewDesc("margay_deadlock_count",
			"Number of unique database deadlocks encountered", nil, nil),
		deadlockAbortedMetric: prometheus.NewDesc("margay_deadlock_aborted_count",
			"Number of times deadlock retries were exceeded", nil, nil),
		deadlockTimeMetric: prometheus.NewDesc("margay_deadlock_seconds_total",
			"Total time wasted awaiting to free deadlock", nil, nil),
		sqlErrorCountMetric: prometheus.NewDesc("margay_sql_errors_count",
			"Number of SQL errors", nil, nil),

		queueLenGauge: queueLen,

		loadTimeSummary:  loadTime,
		flushTimeSummary: flushTime,

		reapPeersTimeHistogram: reapPeersTime,
	}
}

func (collector *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- collector.uptimeMetric
	ch <- collector.usersMetric
	ch <- collector.torrentsMetric
	ch <- collector.peersMetric
	ch <- collector.requestsMetric
	ch <- collector.deadlockCountMetric
	ch <- collector.deadlockAbortedMetric
	ch <- collector.deadlockTimeMetric
	ch <- collector.sqlErrorCountMetric

	loadTime.Describe(ch)
	flushTime.Describe(ch)
	reapPeersTime.Describe(ch)
	queueLen.Describe(ch)
}

func (collector *Collector) Collect(ch chan<- prometheus.Metric) {
	ch <- prometheus.MustNewConstMetric(collector.uptimeMetric, prometheus.CounterValue, uptime)
	ch <- prometheus.MustNewConstMetric(collector.usersMetric, prometheus.GaugeValue, float64(users))
	ch <- prometheus.MustNewConstMetric(collector.torrentsMetric, prometheus.GaugeValue, float64(torrents))
	ch <- prometheus.MustNewConstMetric(collector.peersMetric, prometheus.GaugeValue, float64(peers))
	ch <- prometheus.MustNewConstMetric(collector.requestsMetric, prometheus.CounterValue, float64(requests))
	ch <- prometheus.MustNewConstMetric(collector.deadlockCountMetric, prometheus.CounterValue, float64(deadlockCount))
	ch <- prometheus.MustNewConstMetric(collector.deadlockAbortedMetric, prometheus.CounterValue, float64(deadlockAborted))
	ch <- prometheus.MustNewConstMetric(collector.deadlockTimeMetric, prometheus.CounterValue, deadlockTime.Seconds())
	ch <- prometheus.MustNewConstMetric(collector.sqlErrorCountMetric, prometheus.CounterValue, float64(sqlErrorCount))

	loadTime.Collect(ch)
	flushTime.Collect(ch)
	reapPeersTime.Collect(ch)
	queueLen.Collect(ch)
}

func UpdateUptime(seconds float64) {
	uptime = seconds
}

func UpdateUsers(count int) {
	users = count
}

func UpdatePeers(count int) {
	peers = count
}

func UpdateTorrents(count int) {
	torrents = count
}

func UpdateRequests(count uint64) {
	requests = count
}

func IncrementDeadlockCount() {
	deadlockCount++
}

func IncrementDeadlockTime(time time.Duration) {
	deadlockTime += time
}

func IncrementDeadlockAborted() {
	deadlockAborted++
}

func IncrementSQLErrorCount() {
	sqlErrorCount++
}

func UpdateLoadTime(source string, time time.Duration) {
	loadTime.WithLabelValues(source).Observe(time.Seconds())
}

func UpdateReapPeersTime(time time.Duration) {
	reapPeersTime.Observe(time.Seconds())
}

func UpdateFlushTime(kind string, time time.Duration) {
	flushTime.WithLabelValues(kind).Observe(time.Seconds())
}

func UpdateQueueLen(kind string, length int) {
	queueLen.WithLabelValues(kind).Set(float64(length))
}
