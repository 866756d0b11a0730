package config

import "testing"

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.Mongo.URI != "mongodb://localhost:27017" {
		t.Fatalf("unexpected mongo uri %q", cfg.Mongo.URI)
	}
	if cfg.Worker.TaskQueue != "q.unprocessed" {
		t.Fatalf("unexpected task queue %q", cfg.Worker.TaskQueue)
	}
}

func TestLoadConfig_EnvironmentOverride(t *testing.T) {
	t.Setenv("CONVEYOR_MONGO_DATABASE", "conveyor_test")
	t.Setenv("CONVEYOR_AMQP_URL", "amqp://broker:5672/")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.Mongo.Database != "conveyor_test" {
		t.Fatalf("unexpected mongo database %q", cfg.Mongo.Database)
	}
	if cfg.AMQP.URL != "amqp://broker:5672/" {
		t.Fatalf("unexpected amqp url %q", cfg.AMQP.URL)
	}
}
