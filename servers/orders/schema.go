package orders

import "github.com/getkin/kin-openapi/openapi3"

// VerifyOrderArgs is an argument struct for the verify_order tool.
type VerifyOrderArgs struct {
	OrderNumber string `json:"numer_zamowienia"`
}

// DescribeSchemaArgs is an argument struct for the describe_schema tool.
type DescribeSchemaArgs struct {
	SchemaName     string `json:"schema_name"`
	Table          string `json:"table"`
	IncludeColumns bool   `json:"include_columns"`
}

// RunQueryArgs is an argument struct for the run_query tool.
type RunQueryArgs struct {
	SQL    string `json:"sql"`
	Limit  *int   `json:"limit"`
	Offset int    `json:"offset"`
}

const (
	maxOrderNumberLength = 50
	maxIdentifierLength  = 63
	maxSQLLength         = 10000
	maxQueryLimit        = 1000
	defaultQueryLimit    = 100
)

func verifyOrderSchema() *openapi3.Schema {
	return openapi3.NewObjectSchema().
		WithProperty("numer_zamowienia", openapi3.NewStringSchema().
			WithMinLength(1).
			WithMaxLength(maxOrderNumberLength)).
		WithRequired([]string{"numer_zamowienia"})
}

func describeSchemaSchema() *openapi3.Schema {
	identifier := func() *openapi3.Schema {
		return openapi3.NewStringSchema().WithMinLength(1).WithMaxLength(maxIdentifierLength)
	}
	return openapi3.NewObjectSchema().
		WithProperty("schema_name", identifier().WithDefault("public")).
		WithProperty("table", identifier()).
		WithProperty("include_columns", openapi3.NewBoolSchema())
}

func runQuerySchema() *openapi3.Schema {
	return openapi3.NewObjectSchema().
		WithProperty("sql", openapi3.NewStringSchema().WithMinLength(1).WithMaxLength(maxSQLLength)).
		WithProperty("limit", openapi3.NewIntegerSchema().
			WithMin(1).
			WithMax(maxQueryLimit).
			WithDefault(defaultQueryLimit)).
		WithProperty("offset", openapi3.NewIntegerSchema().WithMin(0)).
		WithRequired([]string{"sql"})
}
