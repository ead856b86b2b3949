// Package llm contains adapters for invoking large language models as a
// fallback extractor when fixed parsing patterns miss. It abstracts away
// provider-specific APIs and normalizes the extraction lifecycle; the
// confidence policy for model-derived proposals stays in the intent layer.
package llm
