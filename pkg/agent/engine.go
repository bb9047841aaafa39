package agent

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/koprogo/greengrid/pkg/models"
)

// Executor runs one task and reports its result and energy figures
type Executor interface {
	Execute(ctx context.Context, task *models.Task, solarWatts float64) (models.TaskReport, error)
}

// HashExecutor fetches the task's data and hashes it together with the
// task type and payload. Energy is estimated from wall time at PowerWatts;
// solar covers at most the energy used.
type HashExecutor struct {
	PowerWatts float64       // estimated node draw while working
	MinRuntime time.Duration // lower bound on accounted runtime
	HTTPClient *http.Client
	now        func() time.Time
}

// NewHashExecutor creates an executor with the given power estimate
func NewHashExecutor(powerWatts float64) *HashExecutor {
	return &HashExecutor{
		PowerWatts: powerWatts,
		MinRuntime: time.Second,
		HTTPClient: &http.Client{Timeout: 5 * time.Minute},
		now:        time.Now,
	}
}

// Execute implements Executor
func (e *HashExecutor) Execute(ctx context.Context, task *models.Task, solarWatts float64) (models.TaskReport, error) {
	start := e.now()

	h := sha256.New()
	fmt.Fprintf(h, "%s:%s\n", task.ID, task.Type)
	keys := make([]string, 0, len(task.Payload))
	for k := range task.Payload {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(h, "%s=%s\n", k, task.Payload[k])
	}
	if err := e.fetch(ctx, task.DataURL, h); err != nil {
		return models.TaskReport{}, err
	}

	elapsed := e.now().Sub(start)
	if elapsed < e.MinRuntime {
		elapsed = e.MinRuntime
	}
	hours := elapsed.Hours()
	used := e.PowerWatts * hours
	solar := solarWatts * hours
	if solar > used {
		solar = used
	}
	if solar < 0 {
		solar = 0
	}
	return models.TaskReport{
		ResultHash:          hex.EncodeToString(h.Sum(nil)),
		EnergyUsedWh:        used,
		SolarContributionWh: solar,
	}, nil
}

// fetch streams the data at dataURL into w. http(s) and file URLs are
// read; anything else is hashed as an opaque reference.
func (e *HashExecutor) fetch(ctx context.Context, dataURL string, w io.Writer) error {
	switch {
	case strings.HasPrefix(dataURL, "http://"), strings.HasPrefix(dataURL, "https://"):
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, dataURL, nil)
		if err != nil {
			return fmt.Errorf("fetch data: %w", err)
		}
		resp, err := e.HTTPClient.Do(req)
		if err != nil {
			return fmt.Errorf("fetch data: %w", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("fetch data: %s returned %d", dataURL, resp.StatusCode)
		}
		_, err = io.Copy(w, resp.Body)
		return err
	case strings.HasPrefix(dataURL, "file://"):
		f, err := os.Open(strings.TrimPrefix(dataURL, "file://"))
		if err != nil {
			return fmt.Errorf("fetch data: %w", err)
		}
		defer f.Close()
		_, err = io.Copy(w, f)
		return err
	default:
		_, err := io.WriteString(w, dataURL)
		return err
	}
}
