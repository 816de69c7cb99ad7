// Copyright 2018-2020 (c) Cognizant Digital Business, Evolutionary AI. All rights reserved. Issued under the Apache 2.0 License.

package cache

// This file adorns the logxi package with the host name and worker PID so
// that log lines from cooperating workers on the same node can be told
// apart, the same pattern used by the top level log.go of the teacher repo.

import (
	"os"

	logxi "github.com/karlmutch/logxi/v1"
)

var hostName string

func init() {
	hostName, _ = os.Hostname()
}

type logger struct {
	log logxi.Logger
	pid int
}

func newLogger(component string) *logger {
	return &logger{
		log: logxi.New(component),
		pid: os.Getpid(),
	}
}

func (l *logger) decorate(args []interface{}) []interface{} {
	allArgs := append([]interface{}{}, args...)
	allArgs = append(allArgs, "host", hostName, "pid", l.pid)
	return allArgs
}

func (l *logger) Debug(msg string, args ...interface{}) {
	l.log.Debug(msg, l.decorate(args)...)
}

func (l *logger) Info(msg string, args ...interface{}) {
	l.log.Info(msg, l.decorate(args)...)
}

func (l *logger) Warn(msg string, args ...interface{}) error {
	return l.log.Warn(msg, l.decorate(args)...)
}

func (l *logger) Error(msg string, args ...interface{}) error {
	return l.log.Error(msg, l.decorate(args)...)
}
