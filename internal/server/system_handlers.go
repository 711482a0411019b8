package server

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/adpilot/adpilot/internal/database"
)

// SystemHandlers serves host and process health for the dashboard.
type SystemHandlers struct {
	log         zerolog.Logger
	dataDir     string
	logFile     string
	startupTime time.Time
	databases   map[string]*database.DB
}

// NewSystemHandlers creates a new system handlers instance. The databases map
// is keyed by logical name (warehouse, ledger, approvals).
func NewSystemHandlers(log zerolog.Logger, dataDir, logFile string, databases map[string]*database.DB) *SystemHandlers {
	return &SystemHandlers{
		log:         log.With().Str("component", "system_handlers").Logger(),
		dataDir:     dataDir,
		logFile:     logFile,
		startupTime: time.Now(),
		databases:   databases,
	}
}

// DatabaseStatus is the per-database slice of the status payload.
type DatabaseStatus struct {
	Path         string `json:"path"`
	SizeBytes    int64  `json:"size_bytes"`
	WALSizeBytes int64  `json:"wal_size_bytes"`
	Reachable    bool   `json:"reachable"`
}

// SystemStatus is the /api/system/status payload.
type SystemStatus struct {
	Status        string                    `json:"status"`
	UptimeSeconds int64                     `json:"uptime_seconds"`
	GoVersion     string                    `json:"go_version"`
	Goroutines    int                       `json:"goroutines"`
	CPUPercent    float64                   `json:"cpu_percent"`
	Memory        MemoryStatus              `json:"memory"`
	Disk          *DiskStatus               `json:"disk,omitempty"`
	Databases     map[string]DatabaseStatus `json:"databases"`
}

// MemoryStatus reports host and process memory.
type MemoryStatus struct {
	HostUsedPercent float64 `json:"host_used_percent"`
	HostTotalMB     uint64  `json:"host_total_mb"`
	ProcessAllocMB  uint64  `json:"process_alloc_mb"`
}

// DiskStatus reports usage of the volume holding the data directory.
type DiskStatus struct {
	Path        string  `json:"path"`
	UsedPercent float64 `json:"used_percent"`
	FreeGB      float64 `json:"free_gb"`
}

// HandleSystemStatus returns process, host and database health.
func (h *SystemHandlers) HandleSystemStatus(w http.ResponseWriter, r *http.Request) {
	status := SystemStatus{
		Status:        "ok",
		UptimeSeconds: int64(time.Since(h.startupTime).Seconds()),
		GoVersion:     runtime.Version(),
		Goroutines:    runtime.NumGoroutine(),
		Databases:     h.databaseStatuses(r.Context()),
	}

	status.CPUPercent, status.Memory = h.hostStats()
	status.Disk = h.diskStats()

	for _, db := range status.Databases {
		if !db.Reachable {
			status.Status = "degraded"
		}
	}

	h.writeJSON(w, http.StatusOK, status)
}

// HandleDatabaseStats returns file-level statistics per database.
func (h *SystemHandlers) HandleDatabaseStats(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.databaseStatuses(r.Context()))
}

func (h *SystemHandlers) databaseStatuses(ctx context.Context) map[string]DatabaseStatus {
	out := make(map[string]DatabaseStatus, len(h.databases))
	for name, db := range h.databases {
		stats := db.GetStats()
		status := DatabaseStatus{
			Path:         db.Path(),
			SizeBytes:    stats.SizeBytes,
			WALSizeBytes: stats.WALSizeBytes,
			Reachable:    true,
		}
		if err := db.Conn().PingContext(ctx); err != nil {
			h.log.Warn().Err(err).Str("database", name).Msg("Database unreachable")
			status.Reachable = false
		}
		out[name] = status
	}
	return out
}

func (h *SystemHandlers) hostStats() (float64, MemoryStatus) {
	var memory MemoryStatus

	var rt runtime.MemStats
	runtime.ReadMemStats(&rt)
	memory.ProcessAllocMB = rt.Alloc / 1024 / 1024

	cpuPercent, err := cpu.Percent(100*time.Millisecond, false)
	if err != nil {
		h.log.Warn().Err(err).Msg("Failed to get CPU percentage")
		cpuPercent = []float64{0}
	}
	cpuAvg := 0.0
	if len(cpuPercent) > 0 {
		cpuAvg = cpuPercent[0]
	}

	memStat, err := mem.VirtualMemory()
	if err != nil {
		h.log.Warn().Err(err).Msg("Failed to get memory statistics")
		return cpuAvg, memory
	}
	memory.HostUsedPercent = memStat.UsedPercent
	memory.HostTotalMB = memStat.Total / 1024 / 1024

	return cpuAvg, memory
}

func (h *SystemHandlers) diskStats() *DiskStatus {
	usage, err := disk.Usage(h.dataDir)
	if err != nil {
		h.log.Warn().Err(err).Str("path", h.dataDir).Msg("Failed to get disk usage")
		return nil
	}
	return &DiskStatus{
		Path:        h.dataDir,
		UsedPercent: usage.UsedPercent,
		FreeGB:      float64(usage.Free) / 1024 / 1024 / 1024,
	}
}

// LogContentResponse represents log content
type LogContentResponse struct {
	Lines  []string `json:"lines"`
	Total  int      `json:"total"`
	Status string   `json:"status"`
}

// HandleGetLogs returns the tail of the rotated log file with optional level
// and search filtering.
func (h *SystemHandlers) HandleGetLogs(w http.ResponseWriter, r *http.Request) {
	if h.logFile == "" {
		h.writeJSON(w, http.StatusOK, LogContentResponse{Lines: []string{}, Status: "logging to stdout"})
		return
	}

	lines := 100
	if raw := r.URL.Query().Get("lines"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			lines = parsed
			if lines > 10000 {
				lines = 10000
			}
		}
	}
	level := strings.ToLower(r.URL.Query().Get("level"))
	search := r.URL.Query().Get("search")

	data, err := os.ReadFile(h.logFile)
	if err != nil {
		h.log.Error().Err(err).Str("path", h.logFile).Msg("Failed to read log file")
		h.writeJSON(w, http.StatusInternalServerError, LogContentResponse{Status: "failed to read log file"})
		return
	}

	all := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(all) == 1 && all[0] == "" {
		all = nil
	}
	if len(all) > lines {
		all = all[len(all)-lines:]
	}

	filtered := filterLogs(all, level, search)

	h.writeJSON(w, http.StatusOK, LogContentResponse{
		Lines:  filtered,
		Total:  len(all),
		Status: "ok",
	})
}

// filterLogs filters zerolog JSON lines by level and search term.
func filterLogs(lines []string, level, search string) []string {
	if level == "" && search == "" {
		return lines
	}

	filtered := make([]string, 0, len(lines))
	for _, line := range lines {
		if strings.TrimSpace(line) == "" {
			continue
		}
		if level != "" && !strings.Contains(line, `"level":"`+level+`"`) {
			continue
		}
		if search != "" && !strings.Contains(strings.ToLower(line), strings.ToLower(search)) {
			continue
		}
		filtered = append(filtered, line)
	}
	return filtered
}

func (h *SystemHandlers) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}
