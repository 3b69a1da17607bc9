package fhirmodel

import "encoding/json"

const (
	BundleTypeBatch               = "batch"
	BundleTypeBatchResponse       = "batch-response"
	BundleTypeTransaction         = "transaction"
	BundleTypeTransactionResponse = "transaction-response"
	BundleTypeSearchset           = "searchset"
	BundleTypeHistory             = "history"
)

type Bundle struct {
	ResourceType string        `json:"resourceType"`
	ID           string        `json:"id,omitempty"`
	Type         string        `json:"type"`
	Total        *int          `json:"total,omitempty"`
	Link         []BundleLink  `json:"link,omitempty"`
	Entry        []BundleEntry `json:"entry,omitempty"`
}

type BundleLink struct {
	Relation string `json:"relation"`
	URL      string `json:"url"`
}

type BundleEntry struct {
	FullURL  string               `json:"fullUrl,omitempty"`
	Resource Resource             `json:"resource,omitempty"`
	Search   *BundleEntrySearch   `json:"search,omitempty"`
	Request  *BundleEntryRequest  `json:"request,omitempty"`
	Response *BundleEntryResponse `json:"response,omitempty"`
}

type BundleEntrySearch struct {
	Mode string `json:"mode,omitempty"`
}

type BundleEntryRequest struct {
	Method      string `json:"method"`
	URL         string `json:"url"`
	IfMatch     string `json:"ifMatch,omitempty"`
	IfNoneExist string `json:"ifNoneExist,omitempty"`
}

type BundleEntryResponse struct {
	Status       string   `json:"status"`
	Location     string   `json:"location,omitempty"`
	Etag         string   `json:"etag,omitempty"`
	LastModified string   `json:"lastModified,omitempty"`
	Outcome      Resource `json:"outcome,omitempty"`
}

func NewBundle(bundleType string, entries ...BundleEntry) Bundle {
	return Bundle{ResourceType: "Bundle", Type: bundleType, Entry: entries}
}

func ParseBundle(data []byte) (Bundle, error) {
	var b Bundle
	err := json.Unmarshal(data, &b)
	return b, err
}

// LinkURL returns the URL of the link with the given relation, or "" if there is none.
func (b Bundle) LinkURL(relation string) string {
	for _, l := range b.Link {
		if l.Relation == relation {
			return l.URL
		}
	}
	return ""
}

func (b Bundle) NextLink() string { return b.LinkURL("next") }

// Resources returns the resource of every entry that has one.
func (b Bundle) Resources() []Resource {
	ret := make([]Resource, 0, len(b.Entry))
	for _, e := range b.Entry {
		if e.Resource != nil {
			ret = append(ret, e.Resource)
		}
	}
	return ret
}

// PostEntry is a bundle entry that creates a resource. The fullUrl, if any, lets other entries in a
// transaction refer to the resource before it has an id.
func PostEntry(fullURL string, r Resource) BundleEntry {
	return BundleEntry{
		FullURL:  fullURL,
		Resource: r,
		Request:  &BundleEntryRequest{Method: "POST", URL: r.ResourceType()},
	}
}

func PutEntry(r Resource) BundleEntry {
	return BundleEntry{
		Resource: r,
		Request:  &BundleEntryRequest{Method: "PUT", URL: r.Reference()},
	}
}

func GetEntry(url string) BundleEntry {
	return BundleEntry{Request: &BundleEntryRequest{Method: "GET", URL: url}}
}

func DeleteEntry(url string) BundleEntry {
	return BundleEntry{Request: &BundleEntryRequest{Method: "DELETE", URL: url}}
}
