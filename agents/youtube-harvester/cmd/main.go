package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"harvest-stack/agents/youtube-harvester"
	"harvest-stack/shared/config"
	"harvest-stack/shared/scheduler"
	"harvest-stack/shared/storage"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// fetchRemoteConfig reads an s3:// configuration file with the default AWS
// credential chain.
func fetchRemoteConfig(ctx context.Context, url string) ([]byte, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS configuration: %w", err)
	}
	return storage.FetchS3URL(ctx, s3.NewFromConfig(awsCfg), url)
}

func main() {
	// Create context that responds to signals
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	cfg, err := config.Load(ctx, fetchRemoteConfig)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	agent := youtubeharvester.NewHarvesterAgent(cfg)
	defer agent.Close()
	s := scheduler.New(cfg, agent)

	mode := ""
	if len(os.Args) > 1 {
		mode = os.Args[1]
	}

	switch mode {
	case "--once":
		fmt.Println("Running once...")
		if err := agent.Initialize(); err != nil {
			log.Fatalf("Failed to initialize agent: %v", err)
		}
		if err := s.RunOnce(ctx); err != nil {
			agent.Close()
			log.Fatalf("Failed to run: %v", err)
		}

	case "--register":
		fmt.Println("Registering committed batches...")
		if err := agent.Initialize(); err != nil {
			log.Fatalf("Failed to initialize agent: %v", err)
		}
		if err := agent.Register(ctx); err != nil {
			agent.Close()
			log.Fatalf("Failed to register: %v", err)
		}

	case "":
		fmt.Println("Starting scheduler...")
		if err := s.Start(ctx); err != nil && ctx.Err() == nil {
			agent.Close()
			log.Fatalf("Scheduler failed: %v", err)
		}

	default:
		log.Fatalf("Unknown argument %q (valid: --once, --register)", mode)
	}
}
