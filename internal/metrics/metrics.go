// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// DispatchRecorder はコンシューマーディスパッチャが利用するメトリクスのインターフェース。
type DispatchRecorder interface {
	RecordDelivered(queue, messageType string)
	RecordHandlerFailure(queue, messageType string)
	RecordMovedToFailed(queue, messageType string)
	RecordStorageError(queue string)
	RecordHandleLatency(queue string, duration time.Duration)
}

// AuthRecorder は認証サービスが利用するメトリクスのインターフェース。
type AuthRecorder interface {
	RecordRegistration()
	RecordLogin(success bool)
	RecordLogout()
	RecordRefresh(success bool)
	RecordRevokedTokenRejected()
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	delivered      *prometheus.CounterVec
	handlerFail    *prometheus.CounterVec
	movedToFailed  *prometheus.CounterVec
	storageErrors  *prometheus.CounterVec
	handleLatency  *prometheus.HistogramVec
	registrations  prometheus.Counter
	logins         *prometheus.CounterVec
	logouts        prometheus.Counter
	refreshes      *prometheus.CounterVec
	revokedRejects prometheus.Counter
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		delivered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "usercore_messenger_delivered_total",
			Help: "配信済みにしたメッセージの合計数",
		}, []string{"queue", "type"}),
		handlerFail: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "usercore_messenger_handler_failures_total",
			Help: "ハンドラが失敗し再試行に回したメッセージの合計数",
		}, []string{"queue", "type"}),
		movedToFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "usercore_messenger_failed_total",
			Help: "再試行上限に達しfailedレーンへ移動したメッセージの合計数",
		}, []string{"queue", "type"}),
		storageErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "usercore_messenger_storage_errors_total",
			Help: "キューストアへのアクセスエラーの合計数",
		}, []string{"queue"}),
		handleLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "usercore_messenger_handle_seconds",
			Help:    "ハンドラの処理時間（秒）",
			Buckets: prometheus.DefBuckets,
		}, []string{"queue"}),
		registrations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "usercore_auth_registrations_total",
			Help: "ユーザー登録の合計数",
		}),
		logins: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "usercore_auth_logins_total",
			Help: "ログイン試行の合計数",
		}, []string{"result"}),
		logouts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "usercore_auth_logouts_total",
			Help: "ログアウトの合計数",
		}),
		refreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "usercore_auth_refreshes_total",
			Help: "トークンリフレッシュ試行の合計数",
		}, []string{"result"}),
		revokedRejects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "usercore_auth_revoked_token_rejections_total",
			Help: "失効済みトークンによるリクエスト拒否の合計数",
		}),
	}

	reg.MustRegister(
		c.delivered,
		c.handlerFail,
		c.movedToFailed,
		c.storageErrors,
		c.handleLatency,
		c.registrations,
		c.logins,
		c.logouts,
		c.refreshes,
		c.revokedRejects,
	)

	return c
}

// RecordDelivered は配信済みメッセージを記録する。
func (c *Collector) RecordDelivered(queue, messageType string) {
	c.delivered.WithLabelValues(queue, messageType).Inc()
}

// RecordHandlerFailure はハンドラの失敗を記録する。
func (c *Collector) RecordHandlerFailure(queue, messageType string) {
	c.handlerFail.WithLabelValues(queue, messageType).Inc()
}

// RecordMovedToFailed はfailedレーンへの移動を記録する。
func (c *Collector) RecordMovedToFailed(queue, messageType string) {
	c.movedToFailed.WithLabelValues(queue, messageType).Inc()
}

// RecordStorageError はキューストアのエラーを記録する。
func (c *Collector) RecordStorageError(queue string) {
	c.storageErrors.WithLabelValues(queue).Inc()
}

// RecordHandleLatency はハンドラの処理時間を記録する。
func (c *Collector) RecordHandleLatency(queue string, duration time.Duration) {
	c.handleLatency.WithLabelValues(queue).Observe(duration.Seconds())
}

// RecordRegistration はユーザー登録を記録する。
func (c *Collector) RecordRegistration() {
	c.registrations.Inc()
}

// RecordLogin はログイン試行を結果別に記録する。
func (c *Collector) RecordLogin(success bool) {
	c.logins.WithLabelValues(resultLabel(success)).Inc()
}

// RecordLogout はログアウトを記録する。
func (c *Collector) RecordLogout() {
	c.logouts.Inc()
}

// RecordRefresh はトークンリフレッシュを結果別に記録する。
func (c *Collector) RecordRefresh(success bool) {
	c.refreshes.WithLabelValues(resultLabel(success)).Inc()
}

// RecordRevokedTokenRejected は失効済みトークンの拒否を記録する。
func (c *Collector) RecordRevokedTokenRejected() {
	c.revokedRejects.Inc()
}

func resultLabel(success bool) string {
	if success {
		return "success"
	}
	return "failure"
}

// Nop は何も記録しない実装。テストやメトリクス無効時に使う。
type Nop struct{}

func (Nop) RecordDelivered(string, string)            {}
func (Nop) RecordHandlerFailure(string, string)       {}
func (Nop) RecordMovedToFailed(string, string)        {}
func (Nop) RecordStorageError(string)                 {}
func (Nop) RecordHandleLatency(string, time.Duration) {}
func (Nop) RecordRegistration()                       {}
func (Nop) RecordLogin(bool)                          {}
func (Nop) RecordLogout()                             {}
func (Nop) RecordRefresh(bool)                        {}
func (Nop) RecordRevokedTokenRejected()               {}

var (
	_ DispatchRecorder = (*Collector)(nil)
	_ AuthRecorder     = (*Collector)(nil)
	_ DispatchRecorder = Nop{}
	_ AuthRecorder     = Nop{}
)

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// SetupMetricsRoute は/metricsエンドポイントを提供するHTTPハンドラーを返す。
// workerプロセスが単独でメトリクスを公開する場合に使う。
func SetupMetricsRoute(gatherer prometheus.Gatherer) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler(gatherer))
	return mux
}
