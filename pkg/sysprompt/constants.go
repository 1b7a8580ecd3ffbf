package sysprompt

import "embed"

//go:embed templates/*
var TemplateFS embed.FS

const (
	ProductName = "parley"

	// Template paths within TemplateFS
	SystemTemplate   = "templates/system.tmpl"
	CritiqueTemplate = "templates/critique.tmpl"

	// Operator override file name; a file with this name in a prompt
	// directory replaces the embedded base template
	OverrideFileName = "system.tmpl"
)
