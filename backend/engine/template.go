package engine

import (
	"fmt"
	"path/filepath"
	"strings"
)

// Variables holds the values substituted into a command template
type Variables struct {
	InputPath    string
	OutputPath   string
	OutputDir    string
	FileBase     string
	SourceFormat string
	TargetFormat string
}

// GetVariables derives template variables from a conversion's paths and formats
func GetVariables(inputPath, outputPath, sourceFormat, targetFormat string) Variables {
	fileName := filepath.Base(inputPath)
	fileBase := strings.TrimSuffix(fileName, filepath.Ext(fileName))

	return Variables{
		InputPath:    inputPath,
		OutputPath:   outputPath,
		OutputDir:    filepath.Dir(outputPath),
		FileBase:     fileBase,
		SourceFormat: Normalize(sourceFormat),
		TargetFormat: Normalize(targetFormat),
	}
}

// SubstituteVariables replaces ${{ name }} placeholders in a single token
func SubstituteVariables(template string, vars Variables) string {
	result := template

	replacements := map[string]string{
		"${{ input_path }}":    vars.InputPath,
		"${{ output_path }}":   vars.OutputPath,
		"${{ output_dir }}":    vars.OutputDir,
		"${{ file_base }}":     vars.FileBase,
		"${{ source_format }}": vars.SourceFormat,
		"${{ target_format }}": vars.TargetFormat,
	}

	for placeholder, value := range replacements {
		result = strings.ReplaceAll(result, placeholder, value)
	}

	return result
}

// BuildCommand expands the engine's argv template for one conversion.
// Only the table and the job's paths and formats reach the argv.
func (e *Engine) BuildCommand(vars Variables) ([]string, error) {
	template := e.CommandFor(vars.TargetFormat)
	if len(template) == 0 {
		return nil, fmt.Errorf("engine %s has no command configured", e.ID)
	}

	argv := make([]string, len(template))
	for i, token := range template {
		argv[i] = SubstituteVariables(token, vars)
	}
	return argv, nil
}
