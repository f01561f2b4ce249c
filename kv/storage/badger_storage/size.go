package badger_storage

import (
	"github.com/docker/go-units"
	"github.com/pingcap-incubator/tinytask/kv/util/worker"
	"github.com/pingcap/log"
	"go.uber.org/zap"
)

type sizeReportTask struct{}

type sizeReporter struct {
	s *BadgerStorage
	// used is the usage seen by the last report.
	used int64
	// warned is set once usage passed the warn ratio, so the warning is
	// logged once per crossing.
	warned bool
}

// Handle publishes the store size. badger never reclaims its value log, so
// the size only shrinks when the store is destroyed.
func (r *sizeReporter) Handle(t worker.Task) {
	if _, ok := t.(sizeReportTask); !ok {
		log.Error("unsupported size report task", zap.Reflect("task", t))
		return
	}
	r.s.closeMu.RLock()
	defer r.s.closeMu.RUnlock()
	if r.s.closed.Load() {
		return
	}
	lsm, vlog := r.s.db.Size()
	used, err := r.s.usage()
	if err != nil {
		log.Warn("unable to measure task cache", zap.String("path", r.s.conf.DBPath), zap.Error(err))
		return
	}
	r.used = used
	storeSize.WithLabelValues("lsm").Set(float64(lsm))
	storeSize.WithLabelValues("vlog").Set(float64(vlog))
	storeSize.WithLabelValues("used").Set(float64(used))
	storeSize.WithLabelValues("ceiling").Set(float64(r.s.maxMapSize))

	limit := int64(float64(r.s.maxMapSize) * r.s.conf.SizeWarnRatio)
	switch {
	case used >= limit && !r.warned:
		r.warned = true
		log.Warn("task cache is close to its ceiling",
			zap.String("path", r.s.conf.DBPath),
			zap.String("used", units.BytesSize(float64(used))),
			zap.String("max-map-size", units.BytesSize(float64(r.s.maxMapSize))))
	case used < limit:
		r.warned = false
	}
}

func (s *BadgerStorage) startSizeReporter() {
	interval, _ := s.conf.ReportInterval()
	s.sizeWorker = worker.NewWorker("size-reporter", s.wg)
	s.sizeWorker.Start(&sizeReporter{s: s})
	s.sizeWorker.StartTicker(interval, func() worker.Task { return sizeReportTask{} })
}
