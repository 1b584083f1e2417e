package main

import (
	"fmt"
	"os"

	"github.com/aegis-soc/aegis/internal/config"
)

// starterLogs is a small firewall log sample written on first run so the
// analyst has something to query before real telemetry is wired in. It
// embeds a brute-force burst and a port scan from known bad addresses.
const starterLogs = `timestamp,source_ip,dest_ip,source_port,dest_port,protocol,action,bytes_sent,bytes_received,user_agent,request_path,http_status
2026-08-01T09:00:00,192.168.1.100,10.0.0.5,52100,443,TCP,ALLOW,1200,5400,Mozilla/5.0,/home,200
2026-08-01T09:00:10,10.0.0.50,10.0.0.5,52101,443,TCP,ALLOW,900,3100,Mozilla/5.0,/api/status,200
2026-08-01T09:00:20,172.16.0.10,10.0.0.5,52102,80,TCP,ALLOW,800,2500,Mozilla/5.0,/products,200
2026-08-01T09:01:00,89.248.172.16,10.0.0.5,40001,22,TCP,DENY,300,0,curl/7.88,/ssh,401
2026-08-01T09:01:02,89.248.172.16,10.0.0.5,40002,22,TCP,DENY,300,0,curl/7.88,/ssh,401
2026-08-01T09:01:04,89.248.172.16,10.0.0.5,40003,22,TCP,DENY,300,0,curl/7.88,/ssh,401
2026-08-01T09:01:06,89.248.172.16,10.0.0.5,40004,22,TCP,DENY,300,0,curl/7.88,/ssh,401
2026-08-01T09:01:08,89.248.172.16,10.0.0.5,40005,22,TCP,DENY,300,0,curl/7.88,/ssh,401
2026-08-01T09:01:10,89.248.172.16,10.0.0.5,40006,22,TCP,ALLOW,450,1200,curl/7.88,/ssh,200
2026-08-01T09:02:00,185.220.101.17,10.0.0.5,41000,21,TCP,DENY,60,0,ZmEu,/,403
2026-08-01T09:02:01,185.220.101.17,10.0.0.5,41001,22,TCP,DENY,60,0,ZmEu,/,403
2026-08-01T09:02:02,185.220.101.17,10.0.0.5,41002,23,TCP,DENY,60,0,ZmEu,/,403
2026-08-01T09:02:03,185.220.101.17,10.0.0.5,41003,25,TCP,DENY,60,0,ZmEu,/,403
2026-08-01T09:02:04,185.220.101.17,10.0.0.5,41004,80,TCP,ALLOW,200,900,ZmEu,/,200
2026-08-01T09:05:00,192.168.1.101,10.0.0.5,52200,443,TCP,ALLOW,1500,6200,Mozilla/5.0,/about,200
2026-08-01T09:05:30,8.8.8.8,10.0.0.5,53,53,UDP,ALLOW,120,480,,,0
2026-08-01T09:06:00,10.0.0.50,10.0.0.5,52300,8080,TCP,ALLOW,700,2100,Mozilla/5.0,/api/search,200
2026-08-01T09:07:00,192.168.1.102,10.0.0.5,52400,443,TCP,ALLOW,1100,4800,Mozilla/5.0,/home,200
`

// starterIntelTable documents the reputation file format. The builtin
// seed entries cover the well-known addresses; this file adds overrides.
const starterIntelTable = `# Local threat-intelligence reputation table.
# Entries here override the builtin seed and any live lookup fallback.
# score > 80 is malicious, score > 20 is suspicious, otherwise benign.
entries:
  - address: 45.155.205.0
    threat_score: 88
    category: scanner
    details: Known mass scanner.
  - address: 198.98.54.71
    threat_score: 85
    category: tor_exit_node
    details: Tor exit node with abuse reports.
`

// bootstrapDataFiles writes starter dataset and intel files on first run
// so the daemon comes up usable. Existing files are never touched.
func bootstrapDataFiles(cfg config.Config) error {
	if _, err := os.Stat(cfg.DatasetPath); os.IsNotExist(err) {
		if err := os.WriteFile(cfg.DatasetPath, []byte(starterLogs), 0o644); err != nil {
			return fmt.Errorf("write starter dataset: %w", err)
		}
	}
	if _, err := os.Stat(cfg.Intel.TablePath); os.IsNotExist(err) {
		if err := os.WriteFile(cfg.Intel.TablePath, []byte(starterIntelTable), 0o644); err != nil {
			return fmt.Errorf("write starter intel table: %w", err)
		}
	}
	return nil
}
