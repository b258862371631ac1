package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/pflag"

	"github.com/haikuports/kitchen/pkg/builder"
	"github.com/haikuports/kitchen/pkg/config"
)

const usage = `usage: kitchen builder create --name NAME --owner OWNER
       kitchen builder destroy NAME`

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(args []string) error {
	if len(args) < 2 || args[0] != "builder" {
		return errors.New(usage)
	}
	cfg, err := config.LoadServer()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	store, err := builder.OpenConfigStore(cfg.BuildersFile())
	if err != nil {
		return fmt.Errorf("failed to load builders: %w", err)
	}

	switch args[1] {
	case "create":
		return create(store, args[2:])
	case "destroy":
		return destroy(store, args[2:])
	default:
		return errors.New(usage)
	}
}

func create(store *builder.ConfigStore, args []string) error {
	flags := pflag.NewFlagSet("create", pflag.ContinueOnError)
	name := flags.String("name", "", "name of the new builder")
	owner := flags.String("owner", "", "name and email of the builder's owner")
	if err := flags.Parse(args); err != nil {
		return err
	}

	key, err := store.Create(*name, *owner)
	switch {
	case errors.Is(err, builder.ErrExists):
		return fmt.Errorf("a builder with this name already exists")
	case err != nil:
		return err
	}

	conf, err := json.MarshalIndent(struct {
		Name string `json:"name"`
		Key  string `json:"key"`
	}{*name, key}, "", "\t")
	if err != nil {
		return err
	}
	fmt.Println("Builder created successfully. builder.conf:")
	fmt.Println(string(conf))
	return nil
}

func destroy(store *builder.ConfigStore, args []string) error {
	if len(args) != 1 {
		return errors.New(usage)
	}
	if err := store.Destroy(args[0]); err != nil {
		if errors.Is(err, builder.ErrNotFound) {
			return fmt.Errorf("builder %q does not exist", args[0])
		}
		return err
	}
	fmt.Printf("Builder %s destroyed.\n", args[0])
	return nil
}
