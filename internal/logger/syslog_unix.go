//go:build !windows && !plan9

package logger

import "log/syslog"

// Syslog sends an error-level message to the local system log under the
// given tag. Failures to reach syslogd are reported on the default logger.
func Syslog(tag, msg string) {
	writeSyslog(syslog.LOG_ERR, tag, msg)
}

// SyslogInfo sends an info-level message to the local system log.
func SyslogInfo(tag, msg string) {
	writeSyslog(syslog.LOG_INFO, tag, msg)
}

func writeSyslog(severity syslog.Priority, tag, msg string) {
	w, err := syslog.New(severity|syslog.LOG_USER, tag)
	if err != nil {
		GetLogger().Warn("[syslog] unavailable: %v", err)
		return
	}
	defer w.Close()
	if severity == syslog.LOG_ERR {
		err = w.Err(msg)
	} else {
		err = w.Info(msg)
	}
	if err != nil {
		GetLogger().Warn("[syslog] write failed: %v", err)
	}
}
