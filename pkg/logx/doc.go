// Package logx is medremind's logging layer over zerolog: readable console
// lines, JSON in the log file, and level and sinks that follow config reloads.
package logx
