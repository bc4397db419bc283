// Package logx is a thin structured-logging layer over zerolog.
//
// Loggers resolve their sink on every event, so a config reload that changes
// level or output (Service.Apply) takes effect for loggers already handed out.
package logx
