package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// defaultSlowQuery flags statements slower than this when Config leaves the
// threshold unset. At heartbeat write rates a slow statement is the first
// sign of store pressure, so the default is deliberately tight.
const defaultSlowQuery = 200 * time.Millisecond

// gormLogger routes GORM's internal logging through the application's zap
// logger. Missing rows are never logged as errors — an absent robot or job
// is a normal domain condition, not a database failure.
type gormLogger struct {
	zl    *zap.Logger
	level gormlogger.LogLevel

	// slow flags statements that exceed it; <= 0 disables the check.
	slow time.Duration
}

// newGormLogger builds the adapter. slow == 0 picks the default threshold;
// pass a negative duration to disable slow-query detection entirely.
func newGormLogger(zl *zap.Logger, level gormlogger.LogLevel, slow time.Duration) gormlogger.Interface {
	if level == 0 {
		level = gormlogger.Warn
	}
	if slow == 0 {
		slow = defaultSlowQuery
	}
	return &gormLogger{
		zl:    zl.Named("gorm"),
		level: level,
		slow:  slow,
	}
}

// LogMode satisfies gormlogger.Interface; GORM calls it for per-operation
// overrides such as db.Debug().
func (l *gormLogger) LogMode(level gormlogger.LogLevel) gormlogger.Interface {
	cp := *l
	cp.level = level
	return &cp
}

// emit adapts GORM's printf-style log calls onto a zap level. The three
// interface methods differ only in threshold and sink, so they share this.
func (l *gormLogger) emit(min gormlogger.LogLevel, sink func(string, ...zap.Field), format string, args []interface{}) {
	if l.level >= min {
		sink(fmt.Sprintf(format, args...))
	}
}

func (l *gormLogger) Info(_ context.Context, format string, args ...interface{}) {
	l.emit(gormlogger.Info, l.zl.Info, format, args)
}

func (l *gormLogger) Warn(_ context.Context, format string, args ...interface{}) {
	l.emit(gormlogger.Warn, l.zl.Warn, format, args)
}

func (l *gormLogger) Error(_ context.Context, format string, args ...interface{}) {
	l.emit(gormlogger.Error, l.zl.Error, format, args)
}

// Trace reports individual statements. The SQL is only rendered on the
// branch that will actually log — fc() builds the statement string, which
// is wasted work on the silent path.
func (l *gormLogger) Trace(_ context.Context, begin time.Time, fc func() (sql string, rowsAffected int64), err error) {
	if l.level <= gormlogger.Silent {
		return
	}
	took := time.Since(begin)

	switch {
	case err != nil && !errors.Is(err, gorm.ErrRecordNotFound):
		sql, rows := fc()
		l.zl.Error("query failed",
			zap.Error(err),
			zap.String("sql", sql),
			zap.Int64("rows", rows),
			zap.Duration("took", took),
		)

	case l.slow > 0 && took >= l.slow:
		sql, rows := fc()
		l.zl.Warn("slow query",
			zap.Duration("took", took),
			zap.Duration("threshold", l.slow),
			zap.String("sql", sql),
			zap.Int64("rows", rows),
		)

	case l.level >= gormlogger.Info:
		sql, rows := fc()
		l.zl.Debug("query",
			zap.String("sql", sql),
			zap.Int64("rows", rows),
			zap.Duration("took", took),
		)
	}
}
