package main

import (
	"flag"
	"log"
	"os"

	"github.com/onemorebsmith/camly-rewards/src/common"
	"github.com/onemorebsmith/camly-rewards/src/rewardworker"
)

func main() {
	cfg := rewardworker.WorkerConfig{}
	if err := common.LoadConfig(&cfg); err != nil {
		log.Printf("%s", err)
		os.Exit(1)
	}

	flag.StringVar(&cfg.ListenAddress, "listen", cfg.ListenAddress, "address to serve the reward api on, default `:8080`")
	flag.StringVar(&cfg.PromPort, "prom", cfg.PromPort, "address to serve prom stats, default `:2112`")
	flag.StringVar(&cfg.HealthCheckPort, "hcp", cfg.HealthCheckPort, `(rarely used) if defined will expose a health check on /readyz, default ""`)
	flag.StringVar(&cfg.PostgresConfig, "pg", cfg.PostgresConfig, `config string for the postgres connection`)
	flag.StringVar(&cfg.Redis.Address, "redis", cfg.Redis.Address, `address of redis for the change feed, empty disables it`)
	flag.BoolVar(&cfg.AutoMigrate, "migrate", cfg.AutoMigrate, `apply database migrations on start`)
	flag.Int64Var(&cfg.Rewards.DailyCap, "cap", cfg.Rewards.DailyCap, `global daily reward cap, default 5000000`)

	flag.Parse()

	log.Println("----------------------------------")
	log.Printf("initializing reward worker")
	log.Printf("\tlisten:        %s", cfg.ListenAddress)
	log.Printf("\tprom:          %s", cfg.PromPort)
	log.Printf("\thealth check:  %s", cfg.HealthCheckPort)
	log.Printf("\tredis:         %s", cfg.Redis.Address)
	log.Printf("\tdaily cap:     %d", cfg.Rewards.DailyCap)
	log.Printf("\tmigrate:       %t", cfg.AutoMigrate)
	log.Println("----------------------------------")

	if err := rewardworker.ListenAndServe(cfg); err != nil {
		log.Println(err)
		os.Exit(1)
	}
}
