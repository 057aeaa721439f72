package log

import "github.com/sirupsen/logrus"

// BadgerAdapter routes badger's internal logging through a logrus entry
type BadgerAdapter struct {
	entry *logrus.Entry
}

// NewBadgerAdapter wraps entry, tagging every line with component=badger
func NewBadgerAdapter(entry *logrus.Entry) *BadgerAdapter {
	return &BadgerAdapter{entry: entry.WithField("component", "badger")}
}

func (l *BadgerAdapter) Errorf(f string, v ...interface{}) { l.entry.Errorf(f, v...) }

func (l *BadgerAdapter) Warningf(f string, v ...interface{}) { l.entry.Warningf(f, v...) }

// Infof is demoted to debug; badger is chatty at info during compactions
func (l *BadgerAdapter) Infof(f string, v ...interface{}) { l.entry.Debugf(f, v...) }

func (l *BadgerAdapter) Debugf(f string, v ...interface{}) { l.entry.Debugf(f, v...) }
