package service

import "strings"

// Labels holds every user-facing string for one locale: alert field labels,
// keyboard captions and fixed command/callback replies.
type Labels struct {
	Price      string
	MarketCap  string
	Volume     string
	Age        string
	Exchange   string
	DexPaid    string
	CAVerified string
	Tax        string
	Honeypot   string
	Holders    string
	TopHolders string

	ChartButton    string
	AxiomButton    string
	GiftButton     string
	TutorialButton string
	SupportButton  string

	VoteSaved    string
	AlreadyVoted string
	VoteFailed   string
	ReloadFailed string

	Unauthorized     string
	CommandFailed    string
	SecondaryUsage   string
	BadDuration      string
	BadStartFormat   string
	BadStartRange    string
	SecondarySet     string // start, end
	SecondaryStopped string
	StatusActive     string // start, end
	StatusUpcoming   string // start, end
	StatusInactive   string
}

var persianLabels = Labels{
	Price:      "قیمت:      ",
	MarketCap:  "مارکت‌کپ:     ",
	Volume:     "حجم:      ",
	Age:        "ساخته شده:      ",
	Exchange:   "نقدینگی:      ",
	DexPaid:    "دکس پرداخت شده؟: ",
	CAVerified: "قرارداد تایید شده؟: ",
	Tax:        "مالیات: ",
	Honeypot:   "هانی‌پات: ",
	Holders:    "هولدرها:     ",
	TopHolders: "تاپ هولدر:      ",

	ChartButton:    "📈 مشاهده نمودار (Dex)",
	AxiomButton:    "🔍 بررسی در اکسیوم (Axiom)",
	GiftButton:     "💰 ترید کن سولانا هدیه بگیر",
	TutorialButton: "📚 آموزش آکسیوم",
	SupportButton:  "❓ سوالتون اینجا بپرسید",

	VoteSaved:    "رای شما ثبت شد!",
	AlreadyVoted: "شما قبلاً رای خود را ثبت کرده‌اید",
	VoteFailed:   "خطا در ثبت رای.",
	ReloadFailed: "خطا در بازخوانی اطلاعات.",

	Unauthorized:     "شما دسترسی به این دستور ندارید.",
	CommandFailed:    "خطا در پردازش دستور. لطفاً دوباره تلاش کنید.",
	SecondaryUsage:   "لطفاً دستور را به‌صورت: /set_secondary <مدت زمان> <ساعت شروع> وارد کنید\nمثال: /set_secondary 4h 14:00",
	BadDuration:      "مدت زمان باید به‌صورت عددی با واحد h (ساعت) یا m (دقیقه) باشد. مثال: 4h",
	BadStartFormat:   "ساعت شروع باید به‌صورت HH:MM باشد. مثال: 14:00",
	BadStartRange:    "ساعت شروع نامعتبر است. باید بین 00:00 و 23:59 باشد.",
	SecondarySet:     "کانال دوم فعال شد.\nشروع: %s\nپایان: %s",
	SecondaryStopped: "ارسال به کانال دوم متوقف شد.",
	StatusActive:     "کانال دوم فعال است.\nشروع: %s\nپایان: %s",
	StatusUpcoming:   "کانال دوم زمان‌بندی شده است.\nشروع: %s\nپایان: %s",
	StatusInactive:   "کانال دوم غیرفعال است.",
}

var englishLabels = Labels{
	Price:      "Price: ",
	MarketCap:  "Market cap: ",
	Volume:     "Volume: ",
	Age:        "Created: ",
	Exchange:   "Liquidity: ",
	DexPaid:    "Dex paid? ",
	CAVerified: "Contract verified? ",
	Tax:        "Tax: ",
	Honeypot:   "Honeypot: ",
	Holders:    "Holders: ",
	TopHolders: "Top holders: ",

	ChartButton:    "📈 View chart (Dex)",
	AxiomButton:    "🔍 Check on Axiom",
	GiftButton:     "💰 Trade and get a gift",
	TutorialButton: "📚 Axiom tutorial",
	SupportButton:  "❓ Ask a question",

	VoteSaved:    "Your vote was saved!",
	AlreadyVoted: "You have already voted.",
	VoteFailed:   "Could not save your vote.",
	ReloadFailed: "Could not reload the message.",

	Unauthorized:     "You are not allowed to use this command.",
	CommandFailed:    "Could not process the command. Please try again.",
	SecondaryUsage:   "Usage: /set_secondary <duration> <start time>\nExample: /set_secondary 4h 14:00",
	BadDuration:      "Duration must be a number with unit h (hours) or m (minutes). Example: 4h",
	BadStartFormat:   "Start time must be HH:MM. Example: 14:00",
	BadStartRange:    "Invalid start time. It must be between 00:00 and 23:59.",
	SecondarySet:     "Secondary channel enabled.\nStart: %s\nEnd: %s",
	SecondaryStopped: "Delivery to the secondary channel stopped.",
	StatusActive:     "Secondary channel is active.\nStart: %s\nEnd: %s",
	StatusUpcoming:   "Secondary channel is scheduled.\nStart: %s\nEnd: %s",
	StatusInactive:   "Secondary channel is inactive.",
}

// LabelsFor returns the labels for locale ("fa" or "en"). Unknown locales get Persian.
func LabelsFor(locale string) Labels {
	if strings.EqualFold(strings.TrimSpace(locale), "en") {
		return englishLabels
	}
	return persianLabels
}
