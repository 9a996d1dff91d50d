package dto

// Category response.
type Category struct {
	Code        string `json:"code"`
	DisplayName string `json:"display_name"`
	IconKey     string `json:"icon_key"`
}
