package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/guregu/null/v6"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"stockcast/artifact"
	"stockcast/dataset"
	"stockcast/db"
	"stockcast/events"
	"stockcast/market"
	"stockcast/metrics"
)

// PredictionStore 预测表读写，*db.Sink 实现
type PredictionStore interface {
	LatestPrediction(ctx context.Context, table, date string) (*db.PredictionRow, error)
	ListPredictions(ctx context.Context, table string, limit int) ([]db.PredictionRow, error)
	UpdateFeedback(ctx context.Context, table string, id int64, feedback int) error
}

// Dashboard 仪表盘处理器
type Dashboard struct {
	Predictions PredictionStore
	Table       string
	Symbol      string
	Artifacts   artifact.Store
	WorkDir     string
	Hub         *Hub
	Metrics     *metrics.Reporter
	Logger      *zap.Logger
}

// PredictionView 预测的展示形式
type PredictionView struct {
	ID         int64    `json:"id"`
	Date       string   `json:"date"`
	Prediction int      `json:"prediction"`
	Direction  string   `json:"direction"`
	Feedback   null.Int `json:"feedback"`
	ModelUsed  string   `json:"model_used"`
}

func viewOf(row db.PredictionRow) PredictionView {
	direction := "Down"
	if row.Prediction == 1 {
		direction = "Up"
	}
	return PredictionView{
		ID:         row.ID,
		Date:       row.Date,
		Prediction: row.Prediction,
		Direction:  direction,
		Feedback:   row.Feedback,
		ModelUsed:  row.ModelUsed,
	}
}

// Register 注册路由
func (d *Dashboard) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/health", d.handleHealth)
	mux.HandleFunc("GET /api/predictions/latest", d.handleLatest)
	mux.HandleFunc("GET /api/predictions", d.handleList)
	mux.HandleFunc("POST /api/predictions/feedback", d.handleFeedback)
	mux.HandleFunc("GET /api/history", d.handleHistory)
	if d.Hub != nil {
		mux.Handle("GET /api/ws/predictions", d.Hub)
	}
	if d.Metrics != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(d.Metrics.Registry(), promhttp.HandlerOpts{}))
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func (d *Dashboard) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (d *Dashboard) handleLatest(w http.ResponseWriter, r *http.Request) {
	date := r.URL.Query().Get("date")
	if date != "" {
		if _, err := time.Parse(market.DateLayout, date); err != nil {
			writeError(w, http.StatusBadRequest, "date must be YYYY-MM-DD")
			return
		}
	}

	row, err := d.Predictions.LatestPrediction(r.Context(), d.Table, date)
	if err != nil {
		d.Logger.Error("latest prediction", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load prediction")
		return
	}
	if row == nil {
		writeError(w, http.StatusNotFound, "no prediction found")
		return
	}
	writeJSON(w, http.StatusOK, viewOf(*row))
}

func (d *Dashboard) handleList(w http.ResponseWriter, r *http.Request) {
	limit := 30
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 || n > 1000 {
			writeError(w, http.StatusBadRequest, "limit must be between 1 and 1000")
			return
		}
		limit = n
	}

	rows, err := d.Predictions.ListPredictions(r.Context(), d.Table, limit)
	if err != nil {
		d.Logger.Error("list predictions", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load predictions")
		return
	}
	views := make([]PredictionView, len(rows))
	for i, row := range rows {
		views[i] = viewOf(row)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"predictions": views,
		"count":       len(views),
	})
}

// FeedbackRequest 用户反馈的真实涨跌
type FeedbackRequest struct {
	ID       int64 `json:"id"`
	Feedback *int  `json:"feedback"`
}

func (d *Dashboard) handleFeedback(w http.ResponseWriter, r *http.Request) {
	var req FeedbackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.ID <= 0 || req.Feedback == nil || (*req.Feedback != 0 && *req.Feedback != 1) {
		writeError(w, http.StatusBadRequest, "id and feedback (0 or 1) are required")
		return
	}

	err := d.Predictions.UpdateFeedback(r.Context(), d.Table, req.ID, *req.Feedback)
	switch {
	case errors.Is(err, db.ErrPredictionNotFound):
		writeError(w, http.StatusNotFound, "prediction not found")
		return
	case err != nil:
		d.Logger.Error("update feedback", zap.Int64("id", req.ID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to save feedback")
		return
	}
	if d.Metrics != nil {
		d.Metrics.ObserveFeedback(*req.Feedback)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"id": req.ID, "feedback": *req.Feedback})
}

// HistoryResponse 价格历史
type HistoryResponse struct {
	Artifact string                  `json:"artifact"`
	Dates    []string                `json:"dates"`
	Columns  map[string][]null.Float `json:"columns"`
}

func (d *Dashboard) handleHistory(w http.ResponseWriter, r *http.Request) {
	if d.Artifacts == nil {
		writeError(w, http.StatusServiceUnavailable, "artifact store not configured")
		return
	}
	query := r.URL.Query()
	ref := query.Get("artifact")
	if ref == "" {
		ref = "cleaned_data:latest"
	}
	last := 0
	if s := query.Get("last"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "last must be a positive integer")
			return
		}
		last = n
	}

	table, a, err := d.readTable(r.Context(), ref)
	switch {
	case errors.Is(err, artifact.ErrNotFound):
		writeError(w, http.StatusNotFound, "artifact not found")
		return
	case err != nil:
		d.Logger.Error("read history", zap.String("artifact", ref), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to read artifact")
		return
	}

	columns := table.Columns()
	if s := query.Get("columns"); s != "" {
		columns = strings.Split(s, ",")
	}
	if last > 0 && last < table.Len() {
		table = table.Slice(table.Len()-last, table.Len())
	}

	resp := HistoryResponse{Artifact: a.Ref(), Dates: table.Index, Columns: make(map[string][]null.Float)}
	for _, name := range columns {
		values, ok := table.Column(strings.TrimSpace(name))
		if !ok {
			writeError(w, http.StatusBadRequest, "unknown column "+name)
			return
		}
		resp.Columns[strings.TrimSpace(name)] = values
	}
	writeJSON(w, http.StatusOK, resp)
}

func (d *Dashboard) readTable(ctx context.Context, ref string) (*dataset.Table, *artifact.Artifact, error) {
	dir, err := os.MkdirTemp(d.WorkDir, "history-")
	if err != nil {
		return nil, nil, err
	}
	defer os.RemoveAll(dir)

	path, a, err := d.Artifacts.Read(ctx, ref, dir)
	if err != nil {
		return nil, nil, err
	}
	table, err := dataset.ReadCSVFile(path)
	if err != nil {
		return nil, nil, err
	}
	return table, a, nil
}

// Broadcast 推送预测事件给浏览器并计数
func (d *Dashboard) Broadcast(ev events.PredictionEvent) {
	if d.Metrics != nil {
		d.Metrics.ObservePrediction(ev.Prediction)
	}
	d.Hub.PublishPrediction(ev)
}

// PollLatest 定期查询最新预测，有新行时推送给浏览器；未配置 NATS 时使用
func (d *Dashboard) PollLatest(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var lastID int64
	if row, err := d.Predictions.LatestPrediction(ctx, d.Table, ""); err == nil && row != nil {
		lastID = row.ID
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			row, err := d.Predictions.LatestPrediction(ctx, d.Table, "")
			if err != nil {
				d.Logger.Warn("poll latest prediction", zap.Error(err))
				continue
			}
			if row == nil || row.ID == lastID {
				continue
			}
			lastID = row.ID
			d.Broadcast(events.NewPredictionEvent(d.Symbol, row.Date, row.Prediction, row.ModelUsed))
		}
	}
}
