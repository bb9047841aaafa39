package logging

import "fmt"

// GenerateLogrotateConfig creates a logrotate configuration for a component
// logging under baseDir (see GetLogPath).
func GenerateLogrotateConfig(baseDir, component string) string {
	if baseDir == "" {
		baseDir = "/var/log/greengrid"
	}
	return fmt.Sprintf(`# Logrotate configuration for greengrid %s
# Install: sudo cp this file to /etc/logrotate.d/greengrid-%s

%s/%s/*.log {
    daily
    rotate 14
    compress
    delaycompress
    missingok
    notifempty
    create 0644 greengrid greengrid
    sharedscripts
    postrotate
        systemctl reload greengrid-%s 2>/dev/null || true
    endscript
}
`, component, component, baseDir, component, component)
}
