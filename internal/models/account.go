package models

import (
	"strings"
	"time"
)

// MailProviderTag identifies which mail capability an account is bound to.
type MailProviderTag string

const (
	ProviderMicrosoft MailProviderTag = "microsoft"
	ProviderDuckMail  MailProviderTag = "duckmail"
	ProviderMoeMail   MailProviderTag = "moemail"
	ProviderFreeMail  MailProviderTag = "freemail"
	ProviderGptMail   MailProviderTag = "gptmail"
)

// Account is a managed credential record. The identity is the account's
// mail address; the session material is opaque provider-issued state.
type Account struct {
	ID string `gorm:"column:id;primaryKey" json:"id"`

	// Mail binding
	MailProvider     string `gorm:"column:mail_provider" json:"mail_provider"`
	MailAddress      string `gorm:"column:mail_address" json:"mail_address"`
	MailPassword     string `gorm:"column:mail_password" json:"-"`
	MailClientID     string `gorm:"column:mail_client_id" json:"-"`
	MailRefreshToken string `gorm:"column:mail_refresh_token" json:"-"`
	MailTenant       string `gorm:"column:mail_tenant" json:"-"`
	MailJWTToken     string `gorm:"column:mail_jwt_token" json:"-"`
	MailBaseURL      string `gorm:"column:mail_base_url" json:"-"`
	MailAPIKey       string `gorm:"column:mail_api_key" json:"-"`
	MailDomain       string `gorm:"column:mail_domain" json:"-"`
	MailVerifySSL    *bool  `gorm:"column:mail_verify_ssl" json:"-"`

	// Session material (opaque strings issued by the identity provider)
	CSesIdx    string `gorm:"column:csesidx" json:"-"`
	ConfigID   string `gorm:"column:config_id" json:"config_id"`
	SecureCSes string `gorm:"column:secure_c_ses" json:"-"`
	HostCOses  string `gorm:"column:host_c_oses" json:"-"`

	ExpiresAt time.Time  `gorm:"column:expires_at" json:"expires_at"`
	TrialEnd  *time.Time `gorm:"column:trial_end" json:"trial_end,omitempty"`
	Disabled  bool       `gorm:"column:disabled" json:"disabled"`

	CreatedAt time.Time `gorm:"column:created_at" json:"created_at"`
	UpdatedAt time.Time `gorm:"column:updated_at" json:"updated_at"`
}

// TableName specifies the table name for GORM
func (Account) TableName() string {
	return "accounts"
}

// ProviderTag normalizes the stored provider string. Unrecognized or empty
// tags fall back to microsoft when OAuth fields are present, duckmail
// otherwise.
func (a *Account) ProviderTag() MailProviderTag {
	switch tag := MailProviderTag(strings.ToLower(strings.TrimSpace(a.MailProvider))); tag {
	case ProviderMicrosoft, ProviderDuckMail, ProviderMoeMail, ProviderFreeMail, ProviderGptMail:
		return tag
	}
	if a.MailClientID != "" || a.MailRefreshToken != "" {
		return ProviderMicrosoft
	}
	return ProviderDuckMail
}

// BindingComplete reports whether the account carries every secret its
// provider requires. Incomplete bindings are skipped, not errored.
// freemailJWT is the globally configured FreeMail token, which satisfies
// the freemail requirement when the account has none of its own.
func (a *Account) BindingComplete(freemailJWT string) bool {
	switch a.ProviderTag() {
	case ProviderMicrosoft:
		return a.MailClientID != "" && a.MailRefreshToken != ""
	case ProviderDuckMail, ProviderMoeMail:
		return a.MailPassword != ""
	case ProviderFreeMail:
		return a.MailJWTToken != "" || freemailJWT != ""
	case ProviderGptMail:
		return true
	}
	return false
}

// Address returns the mailbox to poll for verification codes, which may
// differ from the identity for microsoft-bound accounts.
func (a *Account) Address() string {
	if a.MailAddress != "" {
		return a.MailAddress
	}
	return a.ID
}
