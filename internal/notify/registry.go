package notify

import (
	"context"
	"fmt"
	"os"
	"sort"
	"sync"

	"wisefido-vitals/internal/models"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// registryFile 医院登记文件结构
//
//	hospitals:
//	  - hospital_id: h-001
//	    name: Metropolitan General Hospital
//	    address: 1 Main St
//	    location: {latitude: 37.77, longitude: -122.41}
//	    capacity: 120
type registryFile struct {
	Hospitals []models.Hospital `yaml:"hospitals"`
}

// ParseRegistry 解析并校验医院登记
func ParseRegistry(data []byte) ([]models.Hospital, error) {
	var f registryFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse hospital registry: %w", err)
	}

	seen := make(map[string]bool, len(f.Hospitals))
	for i, h := range f.Hospitals {
		if h.HospitalID == "" {
			return nil, fmt.Errorf("hospital #%d has no hospital_id", i)
		}
		if seen[h.HospitalID] {
			return nil, fmt.Errorf("duplicate hospital_id %q", h.HospitalID)
		}
		seen[h.HospitalID] = true
		if h.Location.Latitude < -90 || h.Location.Latitude > 90 ||
			h.Location.Longitude < -180 || h.Location.Longitude > 180 {
			return nil, fmt.Errorf("hospital %s has invalid location", h.HospitalID)
		}
		if h.Capacity < 0 {
			return nil, fmt.Errorf("hospital %s has negative capacity", h.HospitalID)
		}
	}
	sort.Slice(f.Hospitals, func(i, j int) bool { return f.Hospitals[i].HospitalID < f.Hospitals[j].HospitalID })
	return f.Hospitals, nil
}

// LoadRegistry 从文件加载医院登记
func LoadRegistry(path string) ([]models.Hospital, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read hospital registry %s: %w", path, err)
	}
	return ParseRegistry(data)
}

// Registry 医院登记（只读快照，支持热加载）
type Registry struct {
	mu        sync.RWMutex
	hospitals []models.Hospital
	logger    *zap.Logger
}

// NewRegistry 创建医院登记
func NewRegistry(hospitals []models.Hospital, logger *zap.Logger) *Registry {
	r := &Registry{logger: logger}
	r.Replace(hospitals)
	return r
}

// NewRegistryFromFile 从文件创建医院登记
func NewRegistryFromFile(path string, logger *zap.Logger) (*Registry, error) {
	hospitals, err := LoadRegistry(path)
	if err != nil {
		return nil, err
	}
	logger.Info("Hospital registry loaded",
		zap.String("path", path),
		zap.Int("hospitals", len(hospitals)),
	)
	return NewRegistry(hospitals, logger), nil
}

// Snapshot 当前医院列表副本
func (r *Registry) Snapshot() []models.Hospital {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]models.Hospital, len(r.hospitals))
	copy(out, r.hospitals)
	return out
}

// Replace 整体替换医院列表
func (r *Registry) Replace(hospitals []models.Hospital) {
	cp := make([]models.Hospital, len(hospitals))
	copy(cp, hospitals)
	r.mu.Lock()
	r.hospitals = cp
	r.mu.Unlock()
}

// Watch 监听登记文件，写入后重新加载；加载失败保留旧列表。阻塞直到 ctx 取消
func (r *Registry) Watch(ctx context.Context, path string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create registry watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(path); err != nil {
		return fmt.Errorf("failed to watch %s: %w", path, err)
	}

	r.logger.Info("Watching hospital registry", zap.String("path", path))

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			switch {
			case event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename):
				// 原子替换（写临时文件后 rename）使旧 inode 的监听失效，改为监听新文件
				if err := watcher.Add(path); err != nil {
					r.logger.Warn("Failed to re-watch hospital registry",
						zap.String("path", path),
						zap.Error(err),
					)
					continue
				}
			case event.Has(fsnotify.Write) || event.Has(fsnotify.Create):
			default:
				continue
			}
			r.reload(path)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			r.logger.Error("Hospital registry watcher error", zap.Error(err))
		}
	}
}

func (r *Registry) reload(path string) {
	hospitals, err := LoadRegistry(path)
	if err != nil {
		r.logger.Error("Hospital registry reload failed, keeping previous list",
			zap.String("path", path),
			zap.Error(err),
		)
		return
	}
	r.Replace(hospitals)
	r.logger.Info("Hospital registry reloaded",
		zap.String("path", path),
		zap.Int("hospitals", len(hospitals)),
	)
}
