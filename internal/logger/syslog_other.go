//go:build windows || plan9

package logger

// Syslog is a no-op on platforms without a system log daemon.
func Syslog(tag, msg string) {
	GetLogger().Debug("[syslog] %s: %s", tag, msg)
}

// SyslogInfo is a no-op on platforms without a system log daemon.
func SyslogInfo(tag, msg string) {
	GetLogger().Debug("[syslog] %s: %s", tag, msg)
}
