package threat

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/stellr/sentinel/internal/model"
)

// Pattern is a static threat catalog entry. The catalog is read-only
// configuration; evaluation never mutates it.
type Pattern struct {
	ID                  string                   `yaml:"id" json:"id"`
	Name                string                   `yaml:"name" json:"name"`
	Severity            model.Severity           `yaml:"severity" json:"severity"`
	Indicators          []string                 `yaml:"indicators" json:"indicators"`
	ConfidenceThreshold float64                  `yaml:"confidence_threshold" json:"confidence_threshold"`
	ResponseActions     []model.MitigationAction `yaml:"response_actions" json:"response_actions"`
	ExternalID          string                   `yaml:"external_id,omitempty" json:"external_id,omitempty"`

	// Calibration and CorrelatedWith are hand-tuned ensemble parameters;
	// they are configuration, not fixed law, so they live in the catalog.
	Calibration    float64  `yaml:"calibration" json:"calibration"`
	CorrelatedWith []string `yaml:"correlated_with,omitempty" json:"correlated_with,omitempty"`

	SourceFile string `yaml:"-" json:"-"`
}

// Validate checks a catalog entry before it is admitted into a snapshot.
func (p *Pattern) Validate() error {
	if p.ID == "" {
		return &model.ValidationError{Field: "id", Message: "pattern ID is required"}
	}
	if p.Name == "" {
		return &model.ValidationError{Field: "name", Message: "pattern name is required"}
	}
	if !p.Severity.Valid() {
		return &model.ValidationError{Field: "severity", Message: "invalid severity, must be info/low/medium/high/critical"}
	}
	if len(p.Indicators) == 0 {
		return &model.ValidationError{Field: "indicators", Message: "at least one indicator is required"}
	}
	for _, name := range p.Indicators {
		if _, ok := indicatorChecks[name]; !ok {
			return &model.ValidationError{Field: "indicators", Message: "unknown indicator: " + name}
		}
	}
	if p.ConfidenceThreshold <= 0 || p.ConfidenceThreshold > 1 {
		return &model.ValidationError{Field: "confidence_threshold", Message: "confidence threshold must be in (0, 1]"}
	}
	for _, a := range p.ResponseActions {
		if !a.Valid() {
			return &model.ValidationError{Field: "response_actions", Message: "unknown action: " + string(a)}
		}
	}
	if p.Calibration < 0 || p.Calibration > 1 {
		return &model.ValidationError{Field: "calibration", Message: "calibration must be in [0, 1]"}
	}
	return nil
}

// Snapshot is an immutable view of the loaded catalog.
type Snapshot struct {
	Patterns []Pattern
	Version  int64
}

// Catalog loads threat patterns from YAML files, falling back to the
// compiled-in defaults when no directory is configured. Hot reload watches
// the directory with fsnotify and debounces bursts of file events.
type Catalog struct {
	dir        string
	hotReload  bool
	debounce   time.Duration
	logger     *slog.Logger
	mu         sync.RWMutex
	snapshot   *Snapshot
	watcher    *fsnotify.Watcher
	stopWatch  chan struct{}
}

// NewCatalog creates a catalog loader. dir may be empty, in which case the
// default pattern set is used and hot reload is a no-op.
func NewCatalog(dir string, hotReload bool, debounce time.Duration, logger *slog.Logger) *Catalog {
	return &Catalog{
		dir:       dir,
		hotReload: hotReload,
		debounce:  debounce,
		logger:    logger,
	}
}

// Load builds a new snapshot from disk (or defaults) and installs it.
func (c *Catalog) Load() (*Snapshot, error) {
	var patterns []Pattern

	if c.dir == "" {
		patterns = DefaultPatterns()
	} else {
		loaded, err := c.loadDir()
		if err != nil {
			return nil, err
		}
		patterns = loaded
	}

	sort.Slice(patterns, func(i, j int) bool {
		return patterns[i].ID < patterns[j].ID
	})

	snapshot := &Snapshot{
		Patterns: patterns,
		Version:  time.Now().UnixNano(),
	}

	c.mu.Lock()
	c.snapshot = snapshot
	c.mu.Unlock()

	c.logger.Info("Threat catalog loaded", "patterns", len(patterns), "version", snapshot.Version)
	return snapshot, nil
}

func (c *Catalog) loadDir() ([]Pattern, error) {
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog dir: %w", err)
	}

	byID := make(map[string]Pattern)
	var files []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(e.Name()))
		if ext == ".yaml" || ext == ".yml" {
			files = append(files, filepath.Join(c.dir, e.Name()))
		}
	}
	sort.Strings(files)

	for _, file := range files {
		loaded, err := loadPatternsFromFile(file)
		if err != nil {
			c.logger.Warn("Failed to load pattern file", "file", file, "error", err)
			continue
		}
		for _, p := range loaded {
			if err := p.Validate(); err != nil {
				c.logger.Warn("Invalid pattern skipped", "pattern_id", p.ID, "file", file, "error", err)
				continue
			}
			if p.Calibration == 0 {
				p.Calibration = 1
			}
			p.SourceFile = file
			byID[p.ID] = p
		}
	}

	patterns := make([]Pattern, 0, len(byID))
	for _, p := range byID {
		patterns = append(patterns, p)
	}
	return patterns, nil
}

func loadPatternsFromFile(file string) ([]Pattern, error) {
	data, err := os.ReadFile(file)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	// A file may hold a single pattern or a list of them.
	var single Pattern
	if err := yaml.Unmarshal(data, &single); err == nil && single.ID != "" {
		return []Pattern{single}, nil
	}
	var many []Pattern
	if err := yaml.Unmarshal(data, &many); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	return many, nil
}

// GetSnapshot returns the current catalog snapshot.
func (c *Catalog) GetSnapshot() *Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.snapshot == nil {
		return &Snapshot{}
	}
	patterns := make([]Pattern, len(c.snapshot.Patterns))
	copy(patterns, c.snapshot.Patterns)
	return &Snapshot{Patterns: patterns, Version: c.snapshot.Version}
}

// Pattern looks up a catalog entry by id in the current snapshot.
func (c *Catalog) Pattern(id string) (Pattern, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.snapshot == nil {
		return Pattern{}, false
	}
	for _, p := range c.snapshot.Patterns {
		if p.ID == id {
			return p, true
		}
	}
	return Pattern{}, false
}

// Watch starts the fsnotify-backed hot reload loop, if enabled.
func (c *Catalog) Watch() error {
	if !c.hotReload || c.dir == "" {
		c.logger.Info("Catalog hot reload disabled")
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := watcher.Add(c.dir); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch catalog dir: %w", err)
	}

	c.watcher = watcher
	c.stopWatch = make(chan struct{})
	go c.watchLoop()

	c.logger.Info("Catalog watcher started", "dir", c.dir)
	return nil
}

func (c *Catalog) watchLoop() {
	var timer *time.Timer
	for {
		select {
		case ev, ok := <-c.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(c.debounce, func() {
				if _, err := c.Load(); err != nil {
					c.logger.Error("Catalog reload failed", "error", err)
				}
			})
		case err, ok := <-c.watcher.Errors:
			if !ok {
				return
			}
			c.logger.Error("Catalog watcher error", "error", err)
		case <-c.stopWatch:
			return
		}
	}
}

// Close stops the watcher.
func (c *Catalog) Close() {
	if c.watcher != nil {
		close(c.stopWatch)
		c.watcher.Close()
		c.watcher = nil
	}
}

// DefaultPatterns is the compiled-in catalog, used when no catalog directory
// is configured. Calibration values reflect historical per-pattern precision
// and are expected to be overridden from configuration over time.
func DefaultPatterns() []Pattern {
	return []Pattern{
		{
			ID:                  "credential_stuffing",
			Name:                "Credential Stuffing",
			Severity:            model.SeverityHigh,
			Indicators:          []string{IndicatorRapidLogins, IndicatorFailedLogins, IndicatorUnusualLocation},
			ConfidenceThreshold: 0.8,
			ResponseActions:     []model.MitigationAction{model.ActionRateLimit, model.ActionEnhancedMonitoring},
			ExternalID:          "T1110.004",
			Calibration:         0.95,
			CorrelatedWith:      []string{"brute_force", "account_takeover"},
		},
		{
			ID:                  "brute_force",
			Name:                "Brute Force Login",
			Severity:            model.SeverityHigh,
			Indicators:          []string{IndicatorRapidLogins, IndicatorFailedLogins},
			ConfidenceThreshold: 0.8,
			ResponseActions:     []model.MitigationAction{model.ActionRateLimit, model.ActionAccountLock},
			ExternalID:          "T1110.001",
			Calibration:         0.95,
			CorrelatedWith:      []string{"credential_stuffing"},
		},
		{
			ID:                  "account_takeover",
			Name:                "Account Takeover",
			Severity:            model.SeverityCritical,
			Indicators:          []string{IndicatorUnusualLocation, IndicatorNewDevice, IndicatorConcurrentSessions},
			ConfidenceThreshold: 0.85,
			ResponseActions:     []model.MitigationAction{model.ActionSessionTerminate, model.ActionAccountLock},
			ExternalID:          "T1078",
			Calibration:         0.92,
			CorrelatedWith:      []string{"credential_stuffing", "session_hijacking"},
		},
		{
			ID:                  "data_scraping",
			Name:                "Profile Data Scraping",
			Severity:            model.SeverityHigh,
			Indicators:          []string{IndicatorHighFrequencyAccess, IndicatorAutomatedBehavior, IndicatorBroadResourceSweep},
			ConfidenceThreshold: 0.85,
			ResponseActions:     []model.MitigationAction{model.ActionRateLimit, model.ActionEnhancedMonitoring, model.ActionIPBlock},
			ExternalID:          "T1119",
			Calibration:         0.9,
			CorrelatedWith:      []string{"automated_abuse"},
		},
		{
			ID:                  "privilege_escalation",
			Name:                "Privilege Escalation",
			Severity:            model.SeverityCritical,
			Indicators:          []string{IndicatorPrivilegeProbing, IndicatorUnauthorizedAccess},
			ConfidenceThreshold: 0.8,
			ResponseActions:     []model.MitigationAction{model.ActionSessionTerminate, model.ActionAccountLock},
			ExternalID:          "T1068",
			Calibration:         0.98,
		},
		{
			ID:                  "session_hijacking",
			Name:                "Session Hijacking",
			Severity:            model.SeverityCritical,
			Indicators:          []string{IndicatorNewDevice, IndicatorUnusualLocation, IndicatorConcurrentSessions},
			ConfidenceThreshold: 0.85,
			ResponseActions:     []model.MitigationAction{model.ActionSessionTerminate},
			ExternalID:          "T1563",
			Calibration:         0.93,
			CorrelatedWith:      []string{"account_takeover"},
		},
		{
			ID:                  "automated_abuse",
			Name:                "Automated Abuse",
			Severity:            model.SeverityMedium,
			Indicators:          []string{IndicatorAutomatedBehavior, IndicatorHighFrequencyAccess},
			ConfidenceThreshold: 0.75,
			ResponseActions:     []model.MitigationAction{model.ActionRateLimit, model.ActionEnhancedMonitoring},
			Calibration:         0.9,
			CorrelatedWith:      []string{"data_scraping"},
		},
	}
}
