package pipeline

import "strings"

// documentTerms are matched case-insensitively as substrings. The check is a
// heuristic: a miss answers without the attachment, a false hit sends
// context the model did not need. Neither breaks the answer.
var documentTerms = []string{
	"summarize",
	"summarise",
	"summary",
	"explain",
	"according to",
	"in the pdf",
	"the pdf",
	"this pdf",
	"in the document",
	"based on the document",
	"the document",
	"this document",
	"the paper",
	"this paper",
	"the article",
	"the file",
	"the attachment",
	"abstract",
	"what does it say",
	"methods used",
	"methodology",
	"conclusion",
	"key points",
	"main points",
	"this image",
	"the image",
	"this picture",
	"the picture",
	"in the photo",
	"this photo",
	"describe the image",
}

// IsDocumentQuestion reports whether question appears to ask about the
// chat's uploaded document or image.
func IsDocumentQuestion(question string) bool {
	q := strings.ToLower(question)
	for _, term := range documentTerms {
		if strings.Contains(q, term) {
			return true
		}
	}
	return false
}
