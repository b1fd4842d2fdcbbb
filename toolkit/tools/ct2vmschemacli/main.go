// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

// Tool to generate the JSON schema of the ct2vm batch config file

package main

import (
	"encoding/json"
	"fmt"
	"log"
	"os"

	"github.com/alecthomas/kong"
	"github.com/ct2vm/ct2vm-tools/toolkit/tools/ct2vmapi"
	"github.com/invopop/jsonschema"
)

type SchemaCmd struct {
	Output string `name:"output" short:"o" help:"Path to the output JSON schema file." required:""`
}

func main() {
	cli := &SchemaCmd{}
	_ = kong.Parse(cli,
		kong.Name("ct2vmschemacli"),
		kong.Description("Generates the JSON schema of the ct2vm batch config file."),
		kong.UsageOnError())

	err := generateJSONSchema(cli.Output)
	if err != nil {
		log.Fatalf("Error: %v", err)
	}

	fmt.Printf("JSON schema has been written to %s\n", cli.Output)
}

func batchConfigSchema() ([]byte, error) {
	reflector := jsonschema.Reflector{
		RequiredFromJSONSchemaTags: true,
	}

	schema := reflector.Reflect(&ct2vmapi.BatchConfig{})
	schemaJSON, err := json.MarshalIndent(schema, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal schema: %w", err)
	}
	return schemaJSON, nil
}

func generateJSONSchema(outputFile string) error {
	schemaJSON, err := batchConfigSchema()
	if err != nil {
		return err
	}

	err = os.WriteFile(outputFile, schemaJSON, 0o644)
	if err != nil {
		return fmt.Errorf("failed to write schema to file: %w", err)
	}

	return nil
}
